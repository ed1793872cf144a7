// Package protocol defines the JSON wire shapes exchanged over the
// WebSocket transport and echoed in a few HTTP responses. Field casing
// matches the client's existing expectations exactly; do not reformat it.
package protocol

import "encoding/json"

// Message type discriminators carried in Envelope.Type.
const (
	TypeStateSync       = "stateSync"
	TypeMemberJoined    = "memberJoined"
	TypeMemberLeft      = "memberLeft"
	TypePlayPrepare     = "playPrepare"
	TypePlayCommit      = "playCommit"
	TypePause           = "pause"
	TypeResume          = "resume"
	TypeSeek            = "seek"
	TypeSkip            = "skip"
	TypeAddToQueue      = "addToQueue"
	TypeRemoveFromQueue = "removeFromQueue"
	TypeQueueUpdate     = "queueUpdate"
	TypeDriftReport     = "driftReport"
	TypePing            = "ping"
	TypePong            = "pong"
	TypeError           = "error"
)

// Envelope is the outer shape of every frame sent over the WebSocket,
// inbound or outbound. Epoch/Seq/Timestamp are stamped by the session
// core at broadcast time; inbound frames from clients leave them zero.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Epoch     uint64          `json:"epoch,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Track describes a single queueable/playable item. The catalog lives on
// the client; the server only ever handles these opaque identifiers.
type Track struct {
	TrackID    string `json:"trackId"`
	Title      string `json:"title,omitempty"`
	Artist     string `json:"artist,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// QueueEntry is a track pending playback, tagged with the member that
// queued it and an idempotency nonce.
type QueueEntry struct {
	Track
	Nonce         string `json:"nonce"`
	AddedByUserID string `json:"addedByUserId"`
}

// MemberInfo is a member as seen by the rest of the session.
type MemberInfo struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	JoinedAt    int64  `json:"joinedAt"`
}

// StateSyncData is the full snapshot sent privately on join and
// broadcast on a track advance (skip or the advancement timer) and on
// DJ transfer.
type StateSyncData struct {
	Members           []MemberInfo `json:"members"`
	CurrentTrack      *Track       `json:"currentTrack,omitempty"`
	IsPlaying         bool         `json:"isPlaying"`
	PositionMs        int64        `json:"positionMs"`
	PositionTimestamp int64        `json:"positionTimestamp"`
	Queue             []QueueEntry `json:"queue"`
	DJUserID          string       `json:"djUserId"`
	Epoch             uint64       `json:"epoch"`
	Sequence          uint64       `json:"sequence"`
}

// MemberJoinedData accompanies TypeMemberJoined.
type MemberJoinedData struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// MemberLeftData accompanies TypeMemberLeft.
type MemberLeftData struct {
	UserID string `json:"userId"`
}

// PlayPrepareData accompanies TypePlayPrepare, sent by the DJ to
// pre-announce the next track before committing a position to it.
type PlayPrepareData struct {
	Track Track `json:"track"`
}

// PlayCommitData accompanies TypePlayCommit.
type PlayCommitData struct {
	TrackID      string `json:"trackId"`
	PositionMs   int64  `json:"positionMs"`
	NtpTimestamp int64  `json:"ntpTimestamp"`
}

// PauseData accompanies TypePause.
type PauseData struct {
	PositionMs        int64 `json:"positionMs"`
	PositionTimestamp int64 `json:"positionTimestamp"`
}

// ResumeData accompanies TypeResume. ExecutionTime is an opaque
// passthrough the DJ client supplies and the server never interprets.
type ResumeData struct {
	PositionMs        int64 `json:"positionMs"`
	PositionTimestamp int64 `json:"positionTimestamp"`
	ExecutionTime     int64 `json:"executionTime,omitempty"`
}

// SeekData accompanies TypeSeek.
type SeekData struct {
	PositionMs int64 `json:"positionMs"`
}

// AddToQueueData accompanies TypeAddToQueue.
type AddToQueueData struct {
	Track Track  `json:"track"`
	Nonce string `json:"nonce"`
}

// RemoveFromQueueData accompanies TypeRemoveFromQueue.
type RemoveFromQueueData struct {
	TrackID string `json:"trackId"`
}

// QueueUpdateData is broadcast whenever the queue changes shape without
// an epoch bump (add/remove do not advance the epoch).
type QueueUpdateData struct {
	Queue []QueueEntry `json:"queue"`
}

// DriftReportData accompanies TypeDriftReport. Inbound, it carries a
// member's self-measured position; outbound, the server relays it to the
// DJ's connection only, stamping UserID so the DJ knows who reported it.
type DriftReportData struct {
	UserID       string `json:"userId,omitempty"`
	PositionMs   int64  `json:"positionMs"`
	NtpTimestamp int64  `json:"ntpTimestamp"`
}

// PingData/PongData implement the application-level liveness probe,
// independent of the WebSocket control-frame ping/pong.
type PingData struct {
	ClientSendTime int64 `json:"clientSendTime"`
}

type PongData struct {
	ClientSendTime int64 `json:"clientSendTime"`
	ServerTime     int64 `json:"serverTime"`
}

// ErrorData is the payload shape for TypeError. The server never sends
// it: rejected inbound frames are dropped silently.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
