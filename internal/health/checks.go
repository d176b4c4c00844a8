package health

import (
	"context"
	"errors"
	"os"

	"ridelink/internal/link"
)

// PingCheck reports a store or broker as unhealthy when ping fails.
func PingCheck(what string, ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := ping(ctx); err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: what + " unreachable",
				Error:   err.Error(),
			}
		}
		return CheckResult{Status: StatusHealthy, Message: what + " ok"}
	}
}

// ConnectedCheck reports a broker-style connection as degraded when down.
func ConnectedCheck(what string, connected func() bool) Check {
	return func(ctx context.Context) CheckResult {
		if !connected() {
			return CheckResult{Status: StatusDegraded, Message: what + " disconnected"}
		}
		return CheckResult{Status: StatusHealthy, Message: what + " connected"}
	}
}

// LinkCheck reports a sensor link. Disconnected is healthy when no ride
// needs it; otherwise a link that is not connected degrades the daemon.
func LinkCheck(state func() link.State, wanted func() bool) Check {
	return func(ctx context.Context) CheckResult {
		s := state()
		details := map[string]any{"state": s.String()}
		if s == link.Connected || !wanted() {
			return CheckResult{Status: StatusHealthy, Message: s.String(), Details: details}
		}
		return CheckResult{Status: StatusDegraded, Message: s.String(), Details: details}
	}
}

// DiskSpaceCheck degrades when the filesystem holding path has fewer than
// minFreeBytes available.
func DiskSpaceCheck(path string, minFreeBytes uint64) Check {
	return func(ctx context.Context) CheckResult {
		free, err := freeBytes(path)
		if errors.Is(err, errors.ErrUnsupported) {
			return CheckResult{Status: StatusHealthy, Message: "disk space not measurable on this platform"}
		}
		if err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "statfs failed", Error: err.Error()}
		}
		details := map[string]any{"path": path, "free_bytes": free, "min_free_bytes": minFreeBytes}
		if free < minFreeBytes {
			return CheckResult{Status: StatusDegraded, Message: "low disk space", Details: details}
		}
		return CheckResult{Status: StatusHealthy, Message: "disk space ok", Details: details}
	}
}

// FileExistsCheck fails when path is missing.
func FileExistsCheck(path string) Check {
	return func(ctx context.Context) CheckResult {
		if _, err := os.Stat(path); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "missing " + path, Error: err.Error()}
		}
		return CheckResult{Status: StatusHealthy, Message: path + " present"}
	}
}
