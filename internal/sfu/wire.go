package sfu

import (
	"encoding/json"

	"github.com/petervdpas/goopcall/internal/sdpx"
	"github.com/petervdpas/goopcall/internal/signaling"
)

// Direction is a transport's media direction as the server names it.
type Direction string

const (
	DirSend Direction = "send"
	DirRecv Direction = "receive"
)

type roomRequest struct {
	RoomID string `json:"roomId"`
}

type roomCapabilities struct {
	RoomID          string               `json:"roomId"`
	RTPCapabilities sdpx.RTPCapabilities `json:"rtpCapabilities"`
}

type createTransportRequest struct {
	RoomID    string    `json:"roomId"`
	PeerID    string    `json:"peerId"`
	Direction Direction `json:"direction"`
	RequestID string    `json:"requestId"`
}

type transportCreated struct {
	RoomID    string         `json:"roomId,omitempty"`
	Transport sdpx.Transport `json:"transport"`
	Direction Direction      `json:"direction,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
}

type connectTransportRequest struct {
	RoomID         string              `json:"roomId"`
	PeerID         string              `json:"peerId"`
	TransportID    string              `json:"transportId"`
	DTLSParameters sdpx.DTLSParameters `json:"dtlsParameters"`
}

type transportConnected struct {
	TransportID string `json:"transportId"`
}

type produceRequest struct {
	RoomID        string             `json:"roomId"`
	PeerID        string             `json:"peerId"`
	TransportID   string             `json:"transportId"`
	RTPParameters sdpx.RTPParameters `json:"rtpParameters"`
	Kind          string             `json:"kind"`
}

type producerCreated struct {
	Producer struct {
		ID   string `json:"id"`
		Kind string `json:"kind"`
	} `json:"producer"`
}

type newProducer struct {
	RoomID         string       `json:"roomId"`
	ProducerPeerID signaling.ID `json:"producerPeerId"`
	ProducerID     string       `json:"producerId"`
	Kind           string       `json:"kind"`
}

type consumeRequest struct {
	RoomID          string               `json:"roomId"`
	PeerID          string               `json:"peerId"`
	TransportID     string               `json:"transportId"`
	ProducerID      string               `json:"producerId"`
	RTPCapabilities sdpx.RTPCapabilities `json:"rtpCapabilities"`
}

type consumerCreated struct {
	Consumer struct {
		ID            string          `json:"id"`
		ProducerID    string          `json:"producerId"`
		Kind          string          `json:"kind"`
		RTPParameters json.RawMessage `json:"rtpParameters"`
	} `json:"consumer"`
}

type producerRequest struct {
	RoomID     string `json:"roomId"`
	PeerID     string `json:"peerId"`
	ProducerID string `json:"producerId"`
}

type consumerRequest struct {
	RoomID     string `json:"roomId"`
	PeerID     string `json:"peerId"`
	ConsumerID string `json:"consumerId"`
}

type peerRequest struct {
	RoomID string `json:"roomId"`
	PeerID string `json:"peerId"`
}

type producerRef struct {
	ProducerID string `json:"producerId"`
}

type consumerRef struct {
	ConsumerID string `json:"consumerId"`
}

type peerRef struct {
	PeerID signaling.ID `json:"peerId"`
}

type errorMessage struct {
	Message string `json:"message"`
}

// roomOf peeks at the optional roomId of an inbound payload.
func roomOf(data json.RawMessage) string {
	var r struct {
		RoomID string `json:"roomId"`
	}
	_ = json.Unmarshal(data, &r)
	return r.RoomID
}
