package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// AdminServer exposes Registry contents over a Unix socket as JSON, the
// same transport shape as tui/admin_client.go's FSM admin interface (a
// Unix socket under the state directory, dialed with a short timeout) but
// speaking plain JSON/HTTP instead of connectrpc/protobuf: the generated
// FSM service stubs that transport depends on have no equivalent in this
// module, so the wire format is the one piece not carried over verbatim.
type AdminServer struct {
	registry *Registry
	worker   *Worker
	socket   string
	srv      *http.Server
	ln       net.Listener
}

// NewAdminServer binds a Unix socket at <stateDir>/admin.sock. It removes
// any stale socket file left behind by a prior unclean shutdown before
// binding, matching the teacher's defensive re-bind pattern.
func NewAdminServer(stateDir string, registry *Registry, worker *Worker) (*AdminServer, error) {
	socketPath := filepath.Join(stateDir, "admin.sock")
	_ = os.Remove(socketPath)

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("scheduler: bind admin socket: %w", err)
	}

	a := &AdminServer{registry: registry, worker: worker, socket: socketPath, ln: ln}

	mux := http.NewServeMux()
	mux.HandleFunc("/goals", a.handleGoals)
	mux.HandleFunc("/status", a.handleStatus)
	a.srv = &http.Server{Handler: mux}
	return a, nil
}

// SocketPath returns the bound Unix socket path.
func (a *AdminServer) SocketPath() string { return a.socket }

// Serve blocks accepting connections until the listener is closed.
func (a *AdminServer) Serve() error {
	err := a.srv.Serve(a.ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close shuts the server down and removes the socket file.
func (a *AdminServer) Close(ctx context.Context) error {
	err := a.srv.Shutdown(ctx)
	_ = os.Remove(a.socket)
	return err
}

func (a *AdminServer) handleGoals(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	var (
		recs []GoalRecord
		err  error
	)
	if kind != "" {
		recs, err = a.registry.ByKind(kind)
	} else {
		recs, err = a.registry.All()
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(recs)
}

// StatusResponse is the JSON body returned from GET /status.
type StatusResponse struct {
	ActiveDerivationGoals   int `json:"active_derivation_goals"`
	ActiveSubstitutionGoals int `json:"active_substitution_goals"`
	BuildSlotsInUse         int `json:"build_slots_in_use"`
	BuildSlotsMax           int `json:"build_slots_max"`
}

func (a *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		ActiveDerivationGoals:   len(a.worker.derivationGoals),
		ActiveSubstitutionGoals: len(a.worker.substitutionGoals),
		BuildSlotsInUse:         a.worker.nrChildren,
		BuildSlotsMax:           a.worker.MaxBuildJobs,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// AdminClient is a thin JSON client for AdminServer, used by the monitor
// TUI and the `storeforge status` subcommand.
type AdminClient struct {
	http       *http.Client
	socketPath string
}

// NewAdminClient connects to the admin socket at <stateDir>/admin.sock.
func NewAdminClient(stateDir string) *AdminClient {
	socketPath := filepath.Join(stateDir, "admin.sock")
	return &AdminClient{
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: 5 * time.Second,
		},
		socketPath: socketPath,
	}
}

// SocketPath returns the path to the Unix socket.
func (c *AdminClient) SocketPath() string { return c.socketPath }

// Goals fetches the current goal list, optionally filtered by kind
// ("derivation" or "substitution"); an empty kind fetches all goals.
func (c *AdminClient) Goals(ctx context.Context, kind string) ([]GoalRecord, error) {
	url := "http://unix/goals"
	if kind != "" {
		url += "?kind=" + kind
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scheduler: fetch goals: %w", err)
	}
	defer resp.Body.Close()
	var recs []GoalRecord
	if err := json.NewDecoder(resp.Body).Decode(&recs); err != nil {
		return nil, fmt.Errorf("scheduler: decode goals response: %w", err)
	}
	return recs, nil
}

// Status fetches the current scheduler status summary.
func (c *AdminClient) Status(ctx context.Context) (*StatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://unix/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scheduler: fetch status: %w", err)
	}
	defer resp.Body.Close()
	var st StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("scheduler: decode status response: %w", err)
	}
	return &st, nil
}
