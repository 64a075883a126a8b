package server

import (
	"encoding/json"
	"errors"
	"fmt"

	"racesim-server/traffic"
)

const noSlot = -1

var ErrUnknownMessage = errors.New("unknown message type")

type messageKind int

const (
	msgJoin messageKind = iota
	msgLeave
	msgSpectate
	msgStatus
)

// clientMessage represents the generic structure of text messages from the client.
type clientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type joinData struct {
	Slot int `json:"slot"`
}

type spectateData struct {
	Target int `json:"target"`
}

// inbound is a parsed client message, applied by the session loop.
type inbound struct {
	kind   messageKind
	slot   int
	target int
	status traffic.PositionUpdate
}

// parseClientMessage decodes a text control message or a binary status frame.
// A status frame carries exactly one update.
func parseClientMessage(binary bool, data []byte) (inbound, error) {
	if binary {
		batch, err := DecodePositionBatch(data)
		if err != nil {
			return inbound{}, err
		}
		if len(batch) != 1 {
			return inbound{}, fmt.Errorf("%w: status frame has %d updates", ErrMalformedFrame, len(batch))
		}
		return inbound{kind: msgStatus, status: batch[0]}, nil
	}

	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return inbound{}, fmt.Errorf("unmarshal message: %w", err)
	}
	switch msg.Type {
	case "join":
		var d joinData
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			return inbound{}, fmt.Errorf("unmarshal join: %w", err)
		}
		return inbound{kind: msgJoin, slot: d.Slot}, nil
	case "leave":
		return inbound{kind: msgLeave}, nil
	case "spectate":
		d := spectateData{Target: traffic.NoSpectateTarget}
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &d); err != nil {
				return inbound{}, fmt.Errorf("unmarshal spectate: %w", err)
			}
		}
		return inbound{kind: msgSpectate, target: d.Target}, nil
	}
	return inbound{}, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
}

// slotView is the public description of a slot sent to clients.
type slotView struct {
	ID        uint8  `json:"id"`
	Name      string `json:"name"`
	Model     string `json:"model"`
	Skin      string `json:"skin"`
	AiMode    string `json:"ai_mode"`
	Available bool   `json:"available"`
}

func welcomeMessage(connID string, slots []slotView) []byte {
	msg, _ := json.Marshal(map[string]interface{}{
		"type":    "welcome",
		"conn_id": connID,
		"slots":   slots,
	})
	return msg
}

func joinedMessage(s slotView) []byte {
	msg, _ := json.Marshal(map[string]interface{}{
		"type": "joined",
		"slot": s,
	})
	return msg
}

func rejectedMessage(slot int, reason error) []byte {
	msg, _ := json.Marshal(map[string]interface{}{
		"type":   "join_rejected",
		"slot":   slot,
		"reason": reason.Error(),
	})
	return msg
}

func leftMessage(slot int) []byte {
	msg, _ := json.Marshal(map[string]interface{}{
		"type": "left",
		"slot": slot,
	})
	return msg
}

func cosmeticMessage(slot uint8, color uint32) []byte {
	msg, _ := json.Marshal(map[string]interface{}{
		"type":  "cosmetic",
		"slot":  slot,
		"color": color,
	})
	return msg
}

func disconnectMessage(slot uint8) []byte {
	msg, _ := json.Marshal(map[string]interface{}{
		"type": "slot_disconnect",
		"slot": slot,
	})
	return msg
}

func errorMessage(text string) []byte {
	msg, _ := json.Marshal(map[string]string{"type": "message", "text": text})
	return msg
}
