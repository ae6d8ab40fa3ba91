package main

import (
	"context"
	"fmt"

	"github.com/superfly/storeforge/scheduler"
)

// runStatus prints a one-shot snapshot of a running engine's scheduler
// status, fetched over the admin Unix socket.
func runStatus(ctx context.Context, stateDir string) error {
	client := scheduler.NewAdminClient(stateDir)
	st, err := client.Status(ctx)
	if err != nil {
		return fmt.Errorf("fetch status from %s: %w", client.SocketPath(), err)
	}
	fmt.Printf("derivation goals:   %d\n", st.ActiveDerivationGoals)
	fmt.Printf("substitution goals: %d\n", st.ActiveSubstitutionGoals)
	fmt.Printf("build slots:        %d/%d in use\n", st.BuildSlotsInUse, st.BuildSlotsMax)
	return nil
}
