/*
Copyright 2023 Alexander Bartolomey (github@alexanderbartolomey.de)

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"

	"github.com/CESNET/ipfixcol2-sub000/pipeline"
)

// udpMaxDatagram is large enough for any IPFIX/NetFlow datagram a compliant
// exporter sends; oversized reads are truncated by the kernel and rejected
// downstream by the parser's length checks rather than by this source.
const udpMaxDatagram = 65535

// UDPSource is a pipeline.Source reading IPFIX/NetFlow datagrams from one
// UDP socket. Unlike TCP, UDP carries no connection: a Transport Session is
// keyed by remote address alone, and each datagram is exactly one exporter
// message (no framing needed), grounded on the teacher's udp.go read loop.
// A session created from UDP carries the Template/Options-Template
// lifetimes used for reordering-window and implicit-replace behavior (§3).
type UDPSource struct {
	bindAddr                string
	sessions                *Registry
	logger                  logr.Logger
	templateLifetime        int64 // seconds
	optionsTemplateLifetime int64 // seconds

	rawCh chan *pipeline.Envelope
	conn  *net.UDPConn
}

// NewUDPSource constructs a UDPSource bound to addr. Listen must be called
// before Get starts returning envelopes. templateLifetimeSec and
// optionsTemplateLifetimeSec configure each newly observed session's
// expiry windows (0 disables expiry, §3).
func NewUDPSource(bindAddr string, sessions *Registry, logger logr.Logger, templateLifetimeSec, optionsTemplateLifetimeSec int64, chanDepth int) *UDPSource {
	if chanDepth <= 0 {
		chanDepth = 64
	}
	return &UDPSource{
		bindAddr:                bindAddr,
		sessions:                sessions,
		logger:                  logger,
		templateLifetime:        templateLifetimeSec,
		optionsTemplateLifetime: optionsTemplateLifetimeSec,
		rawCh:                   make(chan *pipeline.Envelope, chanDepth),
	}
}

// Listen opens the UDP socket and reads datagrams until ctx is canceled.
// SO_REUSEADDR/SO_REUSEPORT are set on the socket so a collector restart
// does not have to wait out TIME_WAIT, and so a future multi-process
// fan-out of one bind address across workers stays possible, grounded on
// the teacher's udp.go ListenConfig.Control.
func (l *UDPSource) Listen(ctx context.Context) error {
	listenConfig := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			controlErr := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if sockErr != nil {
					return
				}
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if controlErr != nil {
				return controlErr
			}
			return sockErr
		},
	}
	packetConn, err := listenConfig.ListenPacket(ctx, "udp", l.bindAddr)
	if err != nil {
		return err
	}
	var ok bool
	l.conn, ok = packetConn.(*net.UDPConn)
	if !ok {
		packetConn.Close()
		return fmt.Errorf("session: unexpected packet conn type %T", packetConn)
	}
	defer l.conn.Close()

	l.logger.Info("started UDP listener", "addr", l.bindAddr)

	go func() {
		<-ctx.Done()
		l.conn.Close()
	}()

	buf := make([]byte, udpMaxDatagram)
	for {
		n, remote, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			UDPErrorsTotal.Inc()
			l.logger.Error(err, "udp read error")
			continue
		}
		UDPPacketsTotal.Inc()
		UDPPacketBytes.Add(float64(n))

		data := make([]byte, n)
		copy(data, buf[:n])

		local := l.conn.LocalAddr().(*net.UDPAddr)
		sess, created := l.sessions.GetOrCreate(
			fmt.Sprintf("%s/%s", UDP, remote.String()),
			func() *Session {
				s := New(UDP, remote.IP.String(), uint16(remote.Port), local.IP.String(), uint16(local.Port))
				s.TemplateLifetime = time.Duration(l.templateLifetime) * time.Second
				s.OptionsTemplateLifetime = time.Duration(l.optionsTemplateLifetime) * time.Second
				return s
			},
		)
		if created {
			l.logger.V(1).Info("new UDP session", "session", sess.ID)
		}

		select {
		case l.rawCh <- pipeline.NewRawEnvelope(&pipeline.RawMessage{SessionID: sess.ID, Data: data}):
		case <-ctx.Done():
			return nil
		}
	}
}

// Get implements pipeline.Source.
func (l *UDPSource) Get(ctx context.Context) (*pipeline.Envelope, error) {
	select {
	case e, ok := <-l.rawCh:
		if !ok {
			return nil, io.EOF
		}
		return e, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var (
	UDPPacketsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "collector",
		Subsystem: "udp",
		Name:      "packets_total",
		Help:      "Total number of datagrams received by the UDP input",
	})
	UDPErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "collector",
		Subsystem: "udp",
		Name:      "errors_total",
		Help:      "Total number of errors encountered in the UDP input",
	})
	UDPPacketBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "collector",
		Subsystem: "udp",
		Name:      "received_bytes_total",
		Help:      "Total number of bytes read by the UDP input",
	})
)
