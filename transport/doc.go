// Package transport implements the serial link to an ACE Pro unit.
//
// A Connection owns one physical port. It frames JSON requests as
//
//	0xFF 0xAA | u16le length | JSON payload | u16le CRC | 0xFE
//
// keeps at most a fixed window of requests in flight, correlates responses by
// request id and supervises the link: a periodic get_status heartbeat, a health
// check that forces a reconnect when timeouts and unsolicited responses pile up,
// a cyclic reconnect backoff, and a USB topology binding that keeps each logical
// unit attached to the same physical position across re-enumeration.
//
// Example Usage:
//
//	cfg, err := transport.NewConnectionConfig(0,
//	    transport.WithBaudRate(115200),
//	    transport.WithHeartbeatInterval(time.Second),
//	)
//	if err != nil {
//	    return err
//	}
//
//	conn, err := transport.NewConnection(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer conn.Close()
//
//	if err := conn.Open(false); err != nil {
//	    return err
//	}
//
//	reply := <-conn.Send(transport.NewRequest("get_info", nil), transport.PriorityNormal)
package transport
