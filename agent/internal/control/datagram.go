package control

import (
	"context"

	"github.com/quic-go/quic-go"

	"m87.dev/agent/internal/channels"
	"m87.dev/shared/wire"
)

// datagramMsg is one outbound UDP-forward payload waiting to leave on the
// connection's unreliable datagram path.
type datagramMsg struct {
	channelID uint32
	payload   []byte
}

// datagramPumpOut drains outCh and sends each as a QUIC datagram, framed
// with its channel id (spec §4.4). Any SendDatagram error ends the pump and
// is returned, so the connection is torn down and re-dialled.
func datagramPumpOut(ctx context.Context, conn *quic.Conn, outCh <-chan datagramMsg) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-outCh:
			if !ok {
				return nil
			}
			frame := wire.ChannelDatagram(msg.channelID, msg.payload)
			if err := conn.SendDatagram(frame); err != nil {
				return err
			}
		}
	}
}

// datagramPumpIn receives QUIC datagrams and routes each to its channel's
// bounded queue, dropping silently on an unknown or full channel.
func datagramPumpIn(ctx context.Context, conn *quic.Conn, chMgr *channels.Manager) error {
	for {
		buf, err := conn.ReceiveDatagram(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		id, payload, ok := wire.SplitChannelDatagram(buf)
		if !ok {
			continue
		}
		chMgr.TrySend(id, payload)
	}
}
