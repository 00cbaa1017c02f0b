// Linux implementation of the process event monitor using the
// NETLINK_CONNECTOR process connector (CN_IDX_PROC). The kernel delivers
// PROC_EVENT_FORK/EXEC/EXIT notifications to every subscribed socket.
//
//go:build linux

package procmon

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cerberus/daemon/internal/proctrack"
)

// ─── Netlink Connector kernel ABI constants ──────────────────────────────────
// Values from <linux/netlink.h>, <linux/connector.h>, and <linux/cn_proc.h>.
// Never change.

const (
	// netlinkConnector is the NETLINK_CONNECTOR protocol family (11).
	netlinkConnector = 11

	// cnIdxProc / cnValProc identify the process-events connector
	// (CN_IDX_PROC and CN_VAL_PROC).
	cnIdxProc uint32 = 1
	cnValProc uint32 = 1

	// procCNMcastListen / procCNMcastIgnore are the PROC_CN_MCAST_* ops
	// sent to the kernel to start / stop receiving process events.
	procCNMcastListen uint32 = 1
	procCNMcastIgnore uint32 = 2

	// proc_event.what values for the events the tracker consumes.
	procEventFork uint32 = 0x00000001
	procEventExec uint32 = 0x00000002
	procEventExit uint32 = 0x80000000
)

// ─── Kernel struct sizes (byte offsets) ─────────────────────────────────────
// These match the C struct layouts documented in <linux/cn_proc.h>.
//
//	struct cn_msg         { idx(4) val(4) seq(4) ack(4) len(2) flags(2) }  → 20 B
//	struct proc_event hdr { what(4) cpu(4) timestamp_ns(8) }               → 16 B
//	fork event data       { parent_pid(4) parent_tgid(4) child_pid(4) child_tgid(4) }
//	exec event data       { process_pid(4) process_tgid(4) }
//	exit event data       { process_pid(4) process_tgid(4) exit_code(4) exit_signal(4) }
const (
	cnMsgSize       = 20
	procEvtHdrSize  = 16
	nlMsgHdrSize    = 16 // matches syscall.SizeofNlMsghdr
	minProcEventLen = cnMsgSize + procEvtHdrSize + 8
)

// Start opens a NETLINK_CONNECTOR socket, subscribes to kernel process
// events, and begins delivering fork/exec/exit events. It returns
// immediately after launching the background loop; a later read error
// triggers resubscription with exponential backoff rather than failing.
//
// The caller must hold CAP_NET_ADMIN or be uid 0; otherwise Start returns a
// descriptive error.
//
// Calling Start on an already-running monitor is a no-op (returns nil).
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		return nil // already running
	}

	// Fail fast when the first subscription cannot be established, so init
	// errors (missing privilege) surface at startup.
	sock, err := m.subscribe()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go m.run(ctx, sock)

	m.logger.Info("process monitor started",
		slog.String("mechanism", "NETLINK_CONNECTOR/CN_IDX_PROC"),
	)
	return nil
}

// Stop signals the monitor to cease, waits for the background loop to exit,
// and closes the Events channel. Stop is idempotent.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		cancel := m.cancel
		m.cancel = nil
		m.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		m.wg.Wait()

		close(m.events)
		m.logger.Info("process monitor stopped")
	})
}

// subscribe opens and binds the connector socket and asks the kernel to
// start delivering process events.
func (m *Monitor) subscribe() (int, error) {
	sock, err := syscall.Socket(syscall.AF_NETLINK, syscall.SOCK_DGRAM, netlinkConnector)
	if err != nil {
		return -1, fmt.Errorf("procmon: open NETLINK_CONNECTOR socket: %w "+
			"(requires CAP_NET_ADMIN)", err)
	}

	sa := &syscall.SockaddrNetlink{
		Family: syscall.AF_NETLINK,
		Groups: cnIdxProc,
		Pid:    uint32(os.Getpid()),
	}
	if err := syscall.Bind(sock, sa); err != nil {
		_ = syscall.Close(sock)
		return -1, fmt.Errorf("procmon: bind NETLINK_CONNECTOR: %w", err)
	}

	if err := sendProcCNMsg(sock, procCNMcastListen); err != nil {
		_ = syscall.Close(sock)
		return -1, fmt.Errorf("procmon: subscribe to proc events: %w", err)
	}

	// A per-read timeout lets the loop check ctx.Done() periodically
	// without blocking indefinitely in Recvfrom.
	tv := syscall.Timeval{Sec: 1, Usec: 0}
	_ = syscall.SetsockoptTimeval(sock, syscall.SOL_SOCKET, syscall.SO_RCVTIMEO, &tv)

	return sock, nil
}

// run owns the subscription for the lifetime of the monitor. When the read
// loop reports a socket error, run resubscribes with exponential backoff.
// Process events that arrive while the socket is down are not recovered.
func (m *Monitor) run(ctx context.Context, sock int) {
	defer m.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // retry forever

	for {
		err := m.readLoop(ctx, sock)
		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("procmon: event stream lost, reconnecting", slog.Any("error", err))

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(bo.NextBackOff()):
			}
			sock, err = m.subscribe()
			if err == nil {
				bo.Reset()
				m.logger.Info("procmon: event stream restored")
				break
			}
			m.logger.Warn("procmon: resubscribe failed", slog.Any("error", err))
		}
	}
}

// readLoop reads netlink messages from sock until ctx is cancelled (returns
// nil after unsubscribing) or a socket error occurs (returned to run for
// reconnection). The socket is closed on exit either way.
func (m *Monitor) readLoop(ctx context.Context, sock int) error {
	defer func() { _ = syscall.Close(sock) }()

	// Buffer large enough for several proc_event messages.
	buf := make([]byte, 8*1024)

	for {
		select {
		case <-ctx.Done():
			_ = sendProcCNMsg(sock, procCNMcastIgnore) // best-effort unsubscribe
			return nil
		default:
		}

		n, _, err := syscall.Recvfrom(sock, buf, 0)
		if err != nil {
			// EAGAIN / EWOULDBLOCK mean the 1-second read timeout
			// expired; loop back to check ctx.Done().
			if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK || err == syscall.EINTR {
				continue
			}
			return err
		}

		m.parseNetlinkMessages(buf[:n])
	}
}

// parseNetlinkMessages splits buf into individual netlink messages and
// handles each process event it contains.
func (m *Monitor) parseNetlinkMessages(buf []byte) {
	msgs, err := syscall.ParseNetlinkMessage(buf)
	if err != nil {
		m.logger.Warn("procmon: parse netlink message", slog.Any("error", err))
		return
	}

	for i := range msgs {
		m.handleNetlinkMessage(&msgs[i])
	}
}

// handleNetlinkMessage processes one netlink message, extracting the cn_msg
// and proc_event payload and dispatching fork/exec/exit events. Anything
// not addressed to CN_IDX_PROC / CN_VAL_PROC is ignored.
func (m *Monitor) handleNetlinkMessage(msg *syscall.NetlinkMessage) {
	if msg.Header.Type == syscall.NLMSG_ERROR {
		return
	}

	data := msg.Data
	if len(data) < minProcEventLen {
		return
	}

	// cn_msg header fields, native byte order (kernel ABI).
	idx := binary.NativeEndian.Uint32(data[0:4])
	val := binary.NativeEndian.Uint32(data[4:8])
	if idx != cnIdxProc || val != cnValProc {
		return
	}

	payloadLen := int(binary.NativeEndian.Uint16(data[16:18]))
	payload := data[cnMsgSize:]
	if payloadLen > len(payload) {
		return
	}
	payload = payload[:payloadLen]
	if len(payload) < procEvtHdrSize+8 {
		return
	}

	what := binary.NativeEndian.Uint32(payload[0:4])
	body := payload[procEvtHdrSize:]

	switch what {
	case procEventFork:
		if len(body) < 16 {
			return
		}
		parent := int(binary.NativeEndian.Uint32(body[0:4]))
		child := int(binary.NativeEndian.Uint32(body[8:12]))
		m.emit(proctrack.Event{Type: proctrack.EventFork, PID: child, ParentPID: parent})
	case procEventExec:
		pid := int(binary.NativeEndian.Uint32(body[0:4]))
		m.emit(proctrack.Event{Type: proctrack.EventExec, PID: pid})
	case procEventExit:
		pid := int(binary.NativeEndian.Uint32(body[0:4]))
		m.emit(proctrack.Event{Type: proctrack.EventExit, PID: pid})
	}
}

// ─── Netlink send helper ─────────────────────────────────────────────────────

// sendProcCNMsg builds and sends a NETLINK_CONNECTOR message that instructs
// the kernel to start (PROC_CN_MCAST_LISTEN) or stop (PROC_CN_MCAST_IGNORE)
// delivering process events to the calling socket.
//
// Message layout:
//
//	nlmsghdr (16 B) + cn_msg (20 B) + uint32 op (4 B) = 40 B total
func sendProcCNMsg(sock int, op uint32) error {
	const opSize = 4
	const totalSize = nlMsgHdrSize + cnMsgSize + opSize
	buf := make([]byte, totalSize)

	// ── nlmsghdr ──────────────────────────────────────────────────────────
	binary.NativeEndian.PutUint32(buf[0:4], uint32(totalSize))     // Len
	binary.NativeEndian.PutUint16(buf[4:6], syscall.NLMSG_DONE)    // Type
	binary.NativeEndian.PutUint16(buf[6:8], 0)                     // Flags
	binary.NativeEndian.PutUint32(buf[8:12], 0)                    // Seq
	binary.NativeEndian.PutUint32(buf[12:16], uint32(os.Getpid())) // Pid

	// ── cn_msg ────────────────────────────────────────────────────────────
	off := nlMsgHdrSize
	binary.NativeEndian.PutUint32(buf[off+0:off+4], cnIdxProc) // idx
	binary.NativeEndian.PutUint32(buf[off+4:off+8], cnValProc) // val
	binary.NativeEndian.PutUint32(buf[off+8:off+12], 0)        // seq
	binary.NativeEndian.PutUint32(buf[off+12:off+16], 0)       // ack
	binary.NativeEndian.PutUint16(buf[off+16:off+18], opSize)  // len
	binary.NativeEndian.PutUint16(buf[off+18:off+20], 0)       // flags

	// ── op payload ────────────────────────────────────────────────────────
	off += cnMsgSize
	binary.NativeEndian.PutUint32(buf[off:off+4], op)

	// Deliver to the kernel (pid=0).
	dst := &syscall.SockaddrNetlink{Family: syscall.AF_NETLINK, Pid: 0}
	return syscall.Sendto(sock, buf, 0, dst)
}
