// Package ftpserver provides all the tools to build your own FTP server: The core library and the driver.
package ftpserver

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"
)

func (c *clientHandler) handlePORT(param string) error {
	if c.server.settings.DisableActiveMode {
		c.writeMessage(StatusServiceNotAvailable, "PORT command is disabled")

		return nil
	}

	raddr, err := parseRemoteAddr(param)

	if err != nil {
		c.writeMessage(StatusSyntaxErrorParameters, fmt.Sprintf("Problem parsing PORT: %v", err))
		return nil
	}

	c.acceptActiveConnection(raddr)

	return nil
}

func (c *clientHandler) handleEPRT(param string) error {
	if c.server.settings.DisableActiveMode {
		c.writeMessage(StatusServiceNotAvailable, "EPRT command is disabled")

		return nil
	}

	raddr, err := parseEPRTAddr(param)

	if err != nil {
		c.writeMessage(StatusSyntaxErrorParameters, fmt.Sprintf("Problem parsing EPRT: %v", err))
		return nil
	}

	c.acceptActiveConnection(raddr)

	return nil
}

// acceptActiveConnection validates raddr against the active connection
// security policy and, if accepted, prepares the active transfer handler.
func (c *clientHandler) acceptActiveConnection(raddr *net.TCPAddr) {
	if err := c.checkDataConnectionRequirement(raddr.IP, DataChannelActive); err != nil {
		c.writeMessage(
			StatusSyntaxErrorParameters,
			"Your request does not meet the configured security requirements",
		)

		return
	}

	var tlsConfig *tls.Config

	if c.transferTLS || c.server.settings.TLSRequired == ImplicitEncryption {
		var err error

		tlsConfig, err = c.server.driver.GetTLSConfig()
		if err != nil {
			c.writeMessage(StatusServiceNotAvailable, fmt.Sprintf("Cannot get a TLS config for active connection: %v", err))
			return
		}
	}

	c.writeMessage(StatusOK, "Active connection set")
	c.transfer = &activeTransferHandler{
		raddr:     raddr,
		settings:  c.server.settings,
		tlsConfig: tlsConfig,
	}
}

// DataChannelType identifies which command established a data channel, so
// the right security policy (PasvConnectionsCheck or ActiveConnectionsCheck)
// can be applied.
type DataChannelType int

const (
	DataChannelPassive DataChannelType = iota
	DataChannelActive
)

// checkDataConnectionRequirement enforces the configured IP-match policy for
// a data channel's peer address against the control connection's peer IP.
func (c *clientHandler) checkDataConnectionRequirement(ip net.IP, channel DataChannelType) error {
	var requirement DataConnectionRequirement

	switch channel {
	case DataChannelPassive:
		requirement = c.server.settings.PasvConnectionsCheck
	case DataChannelActive:
		requirement = c.server.settings.ActiveConnectionsCheck
	}

	switch requirement {
	case IPMatchDisabled:
		return nil
	case IPMatchRequired:
		remoteAddr := c.conn.RemoteAddr()
		if remoteAddr == nil {
			return errors.New("invalid remote IP: control connection has no remote address")
		}

		host, _, err := net.SplitHostPort(remoteAddr.String())
		if err != nil {
			return fmt.Errorf("could not determine control connection ip address: %w", err)
		}

		controlIP := net.ParseIP(host)
		if controlIP == nil {
			return fmt.Errorf("invalid remote IP %q for control connection", host)
		}

		if !controlIP.Equal(ip) {
			return fmt.Errorf("data connection ip address %s does not match control connection ip address %s", ip, controlIP)
		}

		return nil
	default:
		return fmt.Errorf("unhandled data connection requirement: %d", requirement)
	}
}

// Active connection
type activeTransferHandler struct {
	raddr     *net.TCPAddr // Remote address of the client
	conn      net.Conn     // Connection used to connect to him
	settings  *Settings    // Settings
	tlsConfig *tls.Config  // not nil if the active connection requires TLS
	info      string       // transfer info
}

func (a *activeTransferHandler) Open() (net.Conn, error) {
	timeout := time.Duration(time.Second.Nanoseconds() * int64(a.settings.ConnectionTimeout))
	dialer := &net.Dialer{Timeout: timeout}

	if !a.settings.ActiveTransferPortNon20 {
		dialer.LocalAddr, _ = net.ResolveTCPAddr("tcp", ":20")
		dialer.Control = Control
	}

	conn, err := dialer.Dial("tcp", a.raddr.String())

	if err != nil {
		return nil, fmt.Errorf("could not establish active connection: %w", err)
	}

	if a.tlsConfig != nil {
		conn = tls.Server(conn, a.tlsConfig)
	}

	// keep connection as it will be closed by Close()
	a.conn = conn

	return a.conn, nil
}

// Close closes only if connection is established
func (a *activeTransferHandler) Close() error {
	if a.conn != nil {
		return a.conn.Close()
	}

	return nil
}

func (a *activeTransferHandler) GetInfo() string {
	return a.info
}

func (a *activeTransferHandler) SetInfo(info string) {
	a.info = info
}

var remoteAddrRegex = regexp.MustCompile(`^([0-9]{1,3},){5}[0-9]{1,3}$`)

// ErrRemoteAddrFormat is returned when the remote address has a bad format
var ErrRemoteAddrFormat = errors.New("remote address has a bad format")

// parseRemoteAddr parses remote address of the client from param. This address
// is used for establishing a connection with the client.
//
// Param Format: 192,168,150,80,14,178
// Host: 192.168.150.80
// Port: (14 * 256) + 178
func parseRemoteAddr(param string) (*net.TCPAddr, error) {
	if !remoteAddrRegex.Match([]byte(param)) {
		return nil, fmt.Errorf("could not parse %s: %w", param, ErrRemoteAddrFormat)
	}

	params := strings.Split(param, ",")

	ip := strings.Join(params[0:4], ".")

	p1, err := strconv.Atoi(params[4])
	if err != nil {
		return nil, err
	}

	p2, err := strconv.Atoi(params[5])

	if err != nil {
		return nil, err
	}

	port := p1<<8 + p2

	return net.ResolveTCPAddr("tcp", fmt.Sprintf("%s:%d", ip, port))
}

// parseEPRTAddr parses the extended remote address sent with EPRT (RFC 2428).
//
// Param Format: |<net-prot>|<net-addr>|<tcp-port>|
// net-prot 1 is IPv4, 2 is IPv6.
func parseEPRTAddr(param string) (*net.TCPAddr, error) {
	if len(param) < 2 {
		return nil, fmt.Errorf("could not parse %s: %w", param, ErrRemoteAddrFormat)
	}

	delim := string(param[0])
	parts := strings.Split(param, delim)

	if len(parts) != 5 {
		return nil, fmt.Errorf("could not parse %s: %w", param, ErrRemoteAddrFormat)
	}

	netProt, addr, portStr := parts[1], parts[2], parts[3]

	if netProt != "1" && netProt != "2" {
		return nil, fmt.Errorf("unsupported network protocol %s: %w", netProt, ErrRemoteAddrFormat)
	}

	ip := net.ParseIP(addr)
	if ip == nil {
		return nil, fmt.Errorf("could not parse address %s: %w", addr, ErrRemoteAddrFormat)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("invalid port %s: %w", portStr, ErrRemoteAddrFormat)
	}

	return &net.TCPAddr{IP: ip, Port: port}, nil
}
