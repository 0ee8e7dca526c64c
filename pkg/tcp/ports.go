package tcp

// Well-known service ports.
const (
	PortFTPData uint16 = 20
	PortFTP     uint16 = 21
	PortSSH     uint16 = 22
	PortTelnet  uint16 = 23
	PortSMTP    uint16 = 25
	PortDNS     uint16 = 53
	PortHTTP    uint16 = 80
	PortPOP3    uint16 = 110
	PortNTP     uint16 = 123
	PortIMAP    uint16 = 143
	PortHTTPS   uint16 = 443
	PortSMB     uint16 = 445
	PortRDP     uint16 = 3389
)
