package heartbeat

import "net"

// LocalIP returns the address of the interface used for outbound traffic, or nil.
// Dialing UDP only selects a route; no packet is sent.
func LocalIP() *string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return nil
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP == nil {
		return nil
	}
	ip := addr.IP.String()
	return &ip
}
