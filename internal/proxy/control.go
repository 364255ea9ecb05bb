package proxy

import (
	"net"

	"github.com/hqnet/reliagram/internal/proxyconfig"
	"github.com/hqnet/reliagram/lalog"
	"github.com/hqnet/reliagram/misc"
)

// ControlApp implements daemon/common.UDPApp for the Proxy's second
// datagram endpoint (§4.5): it accepts ASCII GET/SET commands and replies
// with ASCII responses, observing the configuration under the same
// mutual-exclusion discipline as the forwarding engine's reads (§5).
type ControlApp struct {
	config *proxyconfig.Config
	stats  *misc.Stats
}

// NewControlApp constructs a control-socket application over config.
func NewControlApp(config *proxyconfig.Config) *ControlApp {
	return &ControlApp{config: config, stats: misc.NewStats()}
}

// GetUDPStatsCollector implements daemon/common.UDPApp.
func (a *ControlApp) GetUDPStatsCollector() *misc.Stats {
	return a.stats
}

// HandleUDPClient implements daemon/common.UDPApp; it dispatches one
// control command and writes back the ASCII response.
func (a *ControlApp) HandleUDPClient(logger *lalog.Logger, clientIP string, from *net.UDPAddr, packet []byte, conn *net.UDPConn) {
	response := a.config.HandleCommand(string(packet))
	if _, err := conn.WriteToUDP([]byte(response), from); err != nil {
		logger.Warning(clientIP, err, "failed to write control response")
	}
}
