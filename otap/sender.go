package otap

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"nodelink/metrics"
	"nodelink/protocol"
)

// Sender is the part of transport.Conn the segment sender needs.
type Sender interface {
	Send(dst protocol.NodeID, port protocol.Port, payload []byte) error
}

// SegmentSender pushes segments on the data port as paced packets.
type SegmentSender struct {
	link    Sender
	limiter *rate.Limiter
}

// NewSegmentSender paces packets interval apart; 0 disables pacing.
func NewSegmentSender(link Sender, interval time.Duration) *SegmentSender {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &SegmentSender{link: link, limiter: rate.NewLimiter(limit, 1)}
}

// Send transmits segment id to dst and returns once its last packet has been
// handed to the link.
func (s *SegmentSender) Send(ctx context.Context, dst protocol.NodeID, id uint16, data []byte) error {
	for _, p := range Split(id, data) {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := s.link.Send(dst, protocol.PortOtap, p.Marshal()); err != nil {
			return fmt.Errorf("otap: segment %d packet %d/%d: %w", id, p.Index+1, p.Count, err)
		}
	}
	metrics.RecordSegment()
	return nil
}
