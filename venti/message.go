// Package venti implements the venti wire protocol: the version line
// exchange, length-prefixed framing and the message schema.
package venti

import (
	"fmt"

	"github.com/INLOpen/ventibase/core"
)

// MsgType is the first body byte of every frame.
type MsgType uint8

const (
	TypeError    MsgType = 1
	TypePing     MsgType = 2
	TypePong     MsgType = 3
	TypeHello    MsgType = 4
	TypeHelloAck MsgType = 5
	TypeGoodbye  MsgType = 6
	// TypeGoodbyeAck is reserved; goodbye never gets a reply.
	TypeGoodbyeAck MsgType = 7
	TypeAuth0      MsgType = 8
	TypeAuth0Ack   MsgType = 9
	TypeAuth1      MsgType = 10
	TypeAuth1Ack   MsgType = 11
	TypeRead       MsgType = 12
	TypeReadAck    MsgType = 13
	TypeWrite      MsgType = 14
	TypeWriteAck   MsgType = 15
	TypeSync       MsgType = 16
	TypeSyncAck    MsgType = 17
)

var typeNames = map[MsgType]string{
	TypeError:      "Rerror",
	TypePing:       "Tping",
	TypePong:       "Rping",
	TypeHello:      "Thello",
	TypeHelloAck:   "Rhello",
	TypeGoodbye:    "Tgoodbye",
	TypeGoodbyeAck: "Rgoodbye",
	TypeAuth0:      "Tauth0",
	TypeAuth0Ack:   "Rauth0",
	TypeAuth1:      "Tauth1",
	TypeAuth1Ack:   "Rauth1",
	TypeRead:       "Tread",
	TypeReadAck:    "Rread",
	TypeWrite:      "Twrite",
	TypeWriteAck:   "Rwrite",
	TypeSync:       "Tsync",
	TypeSyncAck:    "Rsync",
}

func (t MsgType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MsgType(%d)", uint8(t))
}

// IsRequest reports whether t is sent by clients. Requests have even codes.
func (t MsgType) IsRequest() bool {
	return t != TypeError && t%2 == 0
}

// Message is one decoded frame. The set of implementations is closed.
type Message interface {
	Type() MsgType
	GetTag() uint8
	isMessage()
}

type Ping struct{ Tag uint8 }

type Pong struct{ Tag uint8 }

// Hello opens a session. Version selects the length-field width for every
// later frame in both directions.
type Hello struct {
	Tag      uint8
	Version  string
	UID      string
	Strength uint8
	Crypto   string // Latin-1 datum
	Codec    string // Latin-1 datum
}

// HelloAck carries the session id. The two reserved bytes that follow it on
// the wire are always zero.
type HelloAck struct {
	Tag uint8
	SID string
}

type Goodbye struct{ Tag uint8 }

// Read asks for at most Count bytes of the block Score/Type.
type Read struct {
	Tag   uint8
	Score core.Score
	Type  uint8
	Count uint32
}

type ReadAck struct {
	Tag  uint8
	Data []byte
}

type Write struct {
	Tag  uint8
	Type uint8
	Data []byte
}

type WriteAck struct {
	Tag   uint8
	Score core.Score
}

type Sync struct{ Tag uint8 }

type SyncAck struct{ Tag uint8 }

// Error reports a failed request to the client.
type Error struct {
	Tag     uint8
	Message string
}

func (Ping) Type() MsgType     { return TypePing }
func (Pong) Type() MsgType     { return TypePong }
func (Hello) Type() MsgType    { return TypeHello }
func (HelloAck) Type() MsgType { return TypeHelloAck }
func (Goodbye) Type() MsgType  { return TypeGoodbye }
func (Read) Type() MsgType     { return TypeRead }
func (ReadAck) Type() MsgType  { return TypeReadAck }
func (Write) Type() MsgType    { return TypeWrite }
func (WriteAck) Type() MsgType { return TypeWriteAck }
func (Sync) Type() MsgType     { return TypeSync }
func (SyncAck) Type() MsgType  { return TypeSyncAck }
func (Error) Type() MsgType    { return TypeError }

func (m Ping) GetTag() uint8     { return m.Tag }
func (m Pong) GetTag() uint8     { return m.Tag }
func (m Hello) GetTag() uint8    { return m.Tag }
func (m HelloAck) GetTag() uint8 { return m.Tag }
func (m Goodbye) GetTag() uint8  { return m.Tag }
func (m Read) GetTag() uint8     { return m.Tag }
func (m ReadAck) GetTag() uint8  { return m.Tag }
func (m Write) GetTag() uint8    { return m.Tag }
func (m WriteAck) GetTag() uint8 { return m.Tag }
func (m Sync) GetTag() uint8     { return m.Tag }
func (m SyncAck) GetTag() uint8  { return m.Tag }
func (m Error) GetTag() uint8    { return m.Tag }

func (Ping) isMessage()     {}
func (Pong) isMessage()     {}
func (Hello) isMessage()    {}
func (HelloAck) isMessage() {}
func (Goodbye) isMessage()  {}
func (Read) isMessage()     {}
func (ReadAck) isMessage()  {}
func (Write) isMessage()    {}
func (WriteAck) isMessage() {}
func (Sync) isMessage()     {}
func (SyncAck) isMessage()  {}
func (Error) isMessage()    {}
