package mesh

import (
	"context"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/quadcall/quadcall/internal/metrics"
	"github.com/quadcall/quadcall/internal/signal"
)

// pipeSender delivers envelopes into the counterpart coordinator's
// inbound channel, standing in for the relay.
type pipeSender struct {
	ch chan signal.Envelope
}

func (s *pipeSender) Send(ctx context.Context, env signal.Envelope) error {
	select {
	case s.ch <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func vnetSettingEngine(t *testing.T, router *vnet.Router, ip string) *webrtc.SettingEngine {
	t.Helper()

	nw, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
	if err != nil {
		t.Fatalf("new net %s: %v", ip, err)
	}
	if err := router.AddNet(nw); err != nil {
		t.Fatalf("add net %s: %v", ip, err)
	}

	se := webrtc.SettingEngine{}
	se.SetNet(nw)
	return &se
}

// TestRoundTrip_TwoPeersConnect drives two coordinators over a virtual
// network: A dials from a roster change, B answers passively, and both
// records reach connected with no further prompting.
func TestRoundTrip_TwoPeersConnect(t *testing.T) {
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	seA := vnetSettingEngine(t, router, "10.0.0.1")
	seB := vnetSettingEngine(t, router, "10.0.0.2")
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	toA := make(chan signal.Envelope, 64)
	toB := make(chan signal.Envelope, 64)

	statesA := make(chan State, 16)
	statesB := make(chan State, 16)

	newSide := func(localID string, se *webrtc.SettingEngine, out chan signal.Envelope, states chan State) *Coordinator {
		c, err := NewCoordinator(CoordinatorOptions{
			LocalID:       localID,
			RoomID:        "r1",
			Sender:        &pipeSender{ch: out},
			SettingEngine: se,
			Logger:        discardLogger(),
			Metrics:       metrics.New(),
			OnPeerState: func(_ string, s State) {
				select {
				case states <- s:
				default:
				}
			},
		})
		if err != nil {
			t.Fatalf("NewCoordinator(%s): %v", localID, err)
		}
		t.Cleanup(func() { _ = c.Close() })
		return c
	}

	coordA := newSide("A", seA, toB, statesA)
	coordB := newSide("B", seB, toA, statesB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = coordA.Run(ctx, toA) }()
	go func() { _ = coordB.Run(ctx, toB) }()

	coordA.ReconcileRoster(ctx, []string{"A", "B"})

	waitConnected := func(name string, states chan State) {
		deadline := time.After(15 * time.Second)
		for {
			select {
			case s := <-states:
				if s == StateConnected {
					return
				}
			case <-deadline:
				t.Fatalf("%s never reached connected", name)
			}
		}
	}
	waitConnected("A", statesA)
	waitConnected("B", statesB)

	snapA := coordA.Snapshot()
	if len(snapA) != 1 || snapA[0].PeerID != "B" || snapA[0].State != StateConnected {
		t.Fatalf("unexpected A snapshot: %+v", snapA)
	}
	snapB := coordB.Snapshot()
	if len(snapB) != 1 || snapB[0].PeerID != "A" || snapB[0].State != StateConnected {
		t.Fatalf("unexpected B snapshot: %+v", snapB)
	}
	if got := coordA.ConnectedPeers(); len(got) != 1 || got[0] != "B" {
		t.Fatalf("unexpected connected peers for A: %v", got)
	}
}
