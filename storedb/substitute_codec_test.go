package storedb

import (
	"reflect"
	"testing"
)

func TestMarshalUnmarshalSubstitutesRoundTrip(t *testing.T) {
	subs := []Substitute{
		{Deriver: "/store/a.drv", Program: "/usr/bin/curl", Args: []string{"-o", "out"}},
		{Deriver: "", Program: "/usr/bin/s3-fetch", Args: nil},
	}
	data, err := marshalSubstitutes(subs)
	if err != nil {
		t.Fatal(err)
	}
	got, err := unmarshalSubstitutes(data)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, subs) {
		t.Errorf("got %+v, want %+v", got, subs)
	}
}

func TestUnmarshalSubstitutesRejectsBadSchema(t *testing.T) {
	data := appendUint32(nil, 999)
	if _, err := unmarshalSubstitutes(data); err == nil {
		t.Error("expected error for unknown schema tag")
	}
}
