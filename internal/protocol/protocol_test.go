// ABOUTME: Tests for envelope encoding/decoding and dispatch payload validation.
// ABOUTME: Malformed frames must surface DecodeError, never a panic or silent pass.

package protocol

import (
	"errors"
	"strings"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	t.Run("round-trips a dispatch envelope", func(t *testing.T) {
		params := &DispatchJobParams{
			JobID:  "job-abc",
			Action: ActionRun,
			Run:    &RunParams{Command: "uptime", TimeoutSec: 30},
		}
		env, err := NewEnvelope(NewCorrelationID("dispatch"), KindDispatch, params)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		data, err := Encode(env)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		got, err := Decode(data)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.ID != env.ID || got.Kind != KindDispatch {
			t.Errorf("envelope fields lost: %+v", got)
		}

		p, err := UnmarshalPayload[DispatchJobParams](got)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if p.JobID != "job-abc" || p.Run.Command != "uptime" {
			t.Errorf("payload fields lost: %+v", p)
		}
	})

	t.Run("rejects bad JSON", func(t *testing.T) {
		_, err := Decode([]byte("{not json"))
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Fatalf("expected DecodeError, got %v", err)
		}
	})

	t.Run("rejects unknown kind", func(t *testing.T) {
		_, err := Decode([]byte(`{"id":"x","kind":"teleport"}`))
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Fatalf("expected DecodeError, got %v", err)
		}
	})

	t.Run("rejects missing correlation id on reply-bearing kinds", func(t *testing.T) {
		_, err := Decode([]byte(`{"kind":"dispatch","payload":{}}`))
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Fatalf("expected DecodeError, got %v", err)
		}
	})

	t.Run("allows missing id on tunnel data", func(t *testing.T) {
		env, err := Decode([]byte(`{"kind":"tunnel_data","payload":{"session_id":"s1","chunk":"aGk="}}`))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		p, err := UnmarshalPayload[TunnelDataParams](env)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(p.Chunk) != "hi" {
			t.Errorf("chunk lost: %q", p.Chunk)
		}
	})

	t.Run("rejects payload of the wrong shape", func(t *testing.T) {
		env, err := Decode([]byte(`{"id":"x","kind":"tunnel_open","payload":{"session_id":42}}`))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		_, err = UnmarshalPayload[TunnelOpenParams](env)
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Fatalf("expected DecodeError, got %v", err)
		}
	})
}

func TestCorrelationID(t *testing.T) {
	t.Run("keeps the caller tag", func(t *testing.T) {
		id := NewCorrelationID("sftp")
		if !strings.HasPrefix(id, "sftp-") {
			t.Errorf("missing tag prefix: %s", id)
		}
	})

	t.Run("never collides in practice", func(t *testing.T) {
		seen := make(map[string]bool)
		for i := 0; i < 10000; i++ {
			id := NewCorrelationID("d")
			if seen[id] {
				t.Fatalf("duplicate correlation id: %s", id)
			}
			seen[id] = true
		}
	})
}

func TestDispatchValidate(t *testing.T) {
	cases := []struct {
		name    string
		params  DispatchJobParams
		wantErr bool
	}{
		{"run with command", DispatchJobParams{JobID: "j", Action: ActionRun, Run: &RunParams{Command: "ls"}}, false},
		{"run without command", DispatchJobParams{JobID: "j", Action: ActionRun, Run: &RunParams{}}, true},
		{"run without variant", DispatchJobParams{JobID: "j", Action: ActionRun}, true},
		{"kill with instance", DispatchJobParams{JobID: "j", Action: ActionKill, Kill: &KillParams{InstanceID: "ins-1"}}, false},
		{"start timer", DispatchJobParams{JobID: "j", Action: ActionStartTimer, Timer: &TimerParams{ScheduleID: "sch-1"}}, false},
		{"stop timer without schedule", DispatchJobParams{JobID: "j", Action: ActionStopTimer}, true},
		{"redeploy", DispatchJobParams{JobID: "j", Action: ActionRedeploy, Redeploy: &RedeployParams{ExecutorID: "exe-1"}}, false},
		{"unknown action", DispatchJobParams{JobID: "j", Action: "explode"}, true},
		{"missing job id", DispatchJobParams{Action: ActionRun, Run: &RunParams{Command: "ls"}}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.params.Validate()
			if tc.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
