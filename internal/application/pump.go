package application

import (
	"io"
	"time"

	"golang.org/x/sys/unix"

	"cvpn/internal/domain"
	"cvpn/internal/infrastructure/netpoll"
	"cvpn/internal/infrastructure/network"
)

const pumpTick = time.Second

// transform mutates a chunk in place before it is written to the other
// socket. Named by wire direction, not cryptographic intent.
type transform func(p []byte)

// pump relays bytes between the session's two sockets until EOF, an
// unrecoverable error, or a stop request. clientOut is applied to
// chunks travelling client→peer, peerOut to peer→client. Bytes keep
// their per-direction order; a short write is retried until the whole
// chunk is on the wire.
func pump(sess *domain.Session, clientOut, peerOut transform, bufSize int) error {
	clientFD := sess.ClientFD
	peerFD := sess.PeerFD()

	poller, err := netpoll.New()
	if err != nil {
		return err
	}
	defer poller.Close()

	if err := poller.Add(clientFD, domain.EventRead); err != nil {
		return err
	}
	if err := poller.Add(peerFD, domain.EventRead); err != nil {
		return err
	}

	buf := make([]byte, bufSize)
	for !sess.StopRequested() {
		ready, err := poller.Wait(pumpTick)
		if err != nil {
			return err
		}

		for _, ev := range ready {
			src, dst := clientFD, peerFD
			mutate := clientOut
			if ev.FD == peerFD {
				src, dst = peerFD, clientFD
				mutate = peerOut
			}

			n, err := network.Read(src, buf)
			if err == unix.EAGAIN {
				continue
			}
			if err != nil {
				return err
			}
			if n == 0 {
				return io.EOF
			}

			mutate(buf[:n])
			if err := network.WriteFull(dst, buf[:n], sess.StopRequested); err != nil {
				return err
			}
		}
	}
	return nil
}
