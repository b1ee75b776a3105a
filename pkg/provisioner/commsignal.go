package provisioner

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/kubermatic/remote-kernel-provisioner/pkg/provisioner/signaler"
)

// sendCommMessage opens one TCP connection to ip:port, writes a
// single JSON object, and closes — the control channel protocol from
// spec.md §6. Any OS error other than "connection refused" is returned
// to the caller, which treats it as not-delivered and falls back to a
// backend-native mechanism.
func sendCommMessage(ip string, port int, obj any, timeout time.Duration) (signaler.Result, error) {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", ip, port), timeout)
	if err != nil {
		if isRefusedOrNotConnected(err) {
			return signaler.Refused, nil
		}
		return signaler.Refused, err
	}
	defer conn.Close()

	data, err := json.Marshal(obj)
	if err != nil {
		return signaler.Refused, err
	}
	if _, err := conn.Write(data); err != nil {
		if isRefusedOrNotConnected(err) {
			return signaler.Refused, nil
		}
		return signaler.Refused, err
	}
	return signaler.Delivered, nil
}

func isRefusedOrNotConnected(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ENOTCONN)
}

// halfCloseWrite shuts down the write half of a TCP connection, used
// by shutdown_requested() after sending {"shutdown":1} so the
// launcher observes EOF and can exit cleanly.
func halfCloseWrite(ip string, port int, obj any, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", ip, port), timeout)
	if err != nil {
		if isRefusedOrNotConnected(err) {
			return nil
		}
		return err
	}
	defer conn.Close()

	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	if _, err := conn.Write(data); err != nil {
		if isRefusedOrNotConnected(err) {
			return nil
		}
		return err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		return tcp.CloseWrite()
	}
	return nil
}
