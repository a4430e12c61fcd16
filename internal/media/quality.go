package media

import (
	"sync"
	"time"

	"github.com/pion/rtp"
)

type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityPoor      Quality = "poor"
	QualityLost      Quality = "lost"
)

// Loss thresholds per sample interval.
const (
	excellentLoss = 0.02
	goodLoss      = 0.08
)

// StaleAfter is how long a track may go silent before it counts as lost.
const StaleAfter = 3 * time.Second

// QualityMeter estimates packet loss from RTP sequence numbers.
// Observe is called from the read loop and Sample from a ticker.
type QualityMeter struct {
	mu  sync.Mutex
	now func() time.Time

	started  bool
	base     uint32
	highest  uint16
	cycles   uint32
	received uint32
	last     time.Time

	prevExpected uint32
	prevReceived uint32
}

func NewQualityMeter() *QualityMeter {
	return &QualityMeter{now: time.Now}
}

func (m *QualityMeter) Observe(pkt *rtp.Packet) {
	m.ObserveSeq(pkt.SequenceNumber)
}

func (m *QualityMeter) ObserveSeq(seq uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.last = m.now()
	m.received++
	if !m.started {
		m.started = true
		m.base = uint32(seq)
		m.highest = seq
		return
	}
	// Forward within half the sequence space; anything else is reordered
	// or duplicated.
	if d := seq - m.highest; d != 0 && d < 0x8000 {
		if seq < m.highest {
			m.cycles += 1 << 16
		}
		m.highest = seq
	}
}

// Sample returns the quality and loss fraction since the previous call.
func (m *QualityMeter) Sample() (Quality, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started || m.now().Sub(m.last) > StaleAfter {
		return QualityLost, 1
	}

	expected := m.cycles + uint32(m.highest) - m.base + 1
	intervalExpected := expected - m.prevExpected
	intervalReceived := m.received - m.prevReceived
	m.prevExpected = expected
	m.prevReceived = m.received

	if intervalExpected == 0 {
		return QualityExcellent, 0
	}
	var loss float64
	if intervalReceived < intervalExpected {
		loss = float64(intervalExpected-intervalReceived) / float64(intervalExpected)
	}
	return Rate(loss), loss
}

// Rate maps a loss fraction onto a quality level.
func Rate(loss float64) Quality {
	switch {
	case loss <= excellentLoss:
		return QualityExcellent
	case loss <= goodLoss:
		return QualityGood
	case loss < 1:
		return QualityPoor
	default:
		return QualityLost
	}
}
