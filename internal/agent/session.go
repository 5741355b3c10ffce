package agent

import (
	"fmt"
	"net"
	"time"

	"github.com/relayfabric/tunnel/internal/ferrors"
	"github.com/relayfabric/tunnel/internal/wire"
)

// dialTimeout bounds how long dialing the Gateway's data-plane port may
// take before the MappingManager's backoff loop gives up on the attempt.
const dialTimeout = 10 * time.Second

// dialSession opens one data-plane connection to the Gateway at
// gatewayAddr and writes the 4-byte port-selection header identifying
// which PortBinding it joins (§4.1, §4.6 step 3). The Gateway either
// keeps the connection as an idle Session or closes it if publicPort is
// unbound (§4.1's "unknown port" rejection).
func dialSession(gatewayAddr string, publicPort int) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", gatewayAddr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: dial gateway %s: %v", ferrors.ErrGatewayUnreachable, gatewayAddr, err)
	}
	if err := wire.WritePortHeader(conn, uint32(publicPort)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: write port header: %v", ferrors.ErrGatewayUnreachable, err)
	}
	return conn, nil
}
