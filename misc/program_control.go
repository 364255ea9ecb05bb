package misc

import (
	"errors"
	"os"
	"time"

	"github.com/hqnet/reliagram/lalog"
)

var (
	// StartupTime is the timestamp captured when this program started.
	StartupTime = time.Now()

	// EmergencyLockDown is a flag checked by the daemons, they should stop functioning or refuse to serve when the flag is true.
	EmergencyLockDown bool
	// ErrEmergencyLockDown is returned by daemons to inform a caller that lock-down is in effect.
	ErrEmergencyLockDown = errors.New("LOCKED DOWN")

	logger = &lalog.Logger{ComponentName: "misc", ComponentID: []lalog.LoggerIDField{{Key: "PID", Value: os.Getpid()}}}
)

/*
TriggerEmergencyLockDown turns on the EmergencyLockDown flag, so that daemons will immediately (or very soon) stop
functioning or refuse to serve more requests. The program process will keep running (i.e. not going to crash).
Once the function is called, there is no way to cancel the lock-down other than restarting the program.
*/
func TriggerEmergencyLockDown() {
	logger.Warning("", nil, "daemons will be disabled ASAP")
	EmergencyLockDown = true
}
