package watchdog

import "testing"

func TestExitCodeRoundTrip(t *testing.T) {
	statuses := []TerminalStatus{
		StatusSucceeded,
		StatusProcessSignalSigkill,
		StatusOutOfMemory,
		StatusBlockedByDeletion,
		StatusBlockedByStopSignal,
		StatusFenceNotFound,
		StatusFenceReadinessTimeout,
		StatusFenceMismatch,
		StatusTaskAlreadyRunning,
		StatusIndexAttemptMismatch,
		StatusConnectorExceptioned,
	}
	for _, s := range statuses {
		if got := StatusFromExitCode(s.ExitCode()); got != s {
			t.Errorf("StatusFromExitCode(%d) = %s, want %s", s.ExitCode(), got, s)
		}
	}
}

func TestReservedBandMapping(t *testing.T) {
	cases := map[int]TerminalStatus{
		248: StatusBlockedByDeletion,
		249: StatusBlockedByStopSignal,
		250: StatusFenceNotFound,
		251: StatusFenceReadinessTimeout,
		252: StatusFenceMismatch,
		253: StatusTaskAlreadyRunning,
		254: StatusIndexAttemptMismatch,
		255: StatusConnectorExceptioned,
		137: StatusOutOfMemory,
		-9:  StatusProcessSignalSigkill,
		0:   StatusSucceeded,
	}
	for code, want := range cases {
		if got := StatusFromExitCode(code); got != want {
			t.Errorf("StatusFromExitCode(%d) = %s, want %s", code, got, want)
		}
	}
}

func TestUnknownCodesAreUndefined(t *testing.T) {
	for _, code := range []int{1, 2, 42, 127, 200} {
		if got := StatusFromExitCode(code); got != StatusUndefined {
			t.Errorf("StatusFromExitCode(%d) = %s, want undefined", code, got)
		}
	}
}

func TestLastLines(t *testing.T) {
	if got := lastLines("short", 100); got != "short" {
		t.Errorf("lastLines(short) = %q", got)
	}
	long := "aaaabbbb"
	if got := lastLines(long, 4); got != "bbbb" {
		t.Errorf("lastLines tail = %q, want bbbb", got)
	}
}
