package domain

import (
	interfaces "whisper/internal/domain/interfaces"
	types "whisper/internal/domain/types"
)

// Type aliases expose domain types from the types subpackage for compact imports.
type (
	WhisperID            = types.WhisperID
	Fingerprint          = types.Fingerprint
	ConversationID       = types.ConversationID
	X25519Public         = types.X25519Public
	X25519Private        = types.X25519Private
	Ed25519Public        = types.Ed25519Public
	Ed25519Private       = types.Ed25519Private
	SymmetricKey         = types.SymmetricKey
	DerivedSeeds         = types.DerivedSeeds
	Identity             = types.Identity
	PublicKeys           = types.PublicKeys
	AccountProfile       = types.AccountProfile
	SignedEnvelope       = types.SignedEnvelope
	AttachmentPointer    = types.AttachmentPointer
	MessageContent       = types.MessageContent
	Receipt              = types.Receipt
	StoredMessage        = types.StoredMessage
	ConversationCounters = types.ConversationCounters
	PendingMessage       = types.PendingMessage
	OutboxState          = types.OutboxState
	OutboxItem           = types.OutboxItem
	CallState            = types.CallState
	CallSession          = types.CallSession
	TurnCredentials      = types.TurnCredentials
	ICECandidate         = types.ICECandidate
	CallBody             = types.CallBody
)

// Constants re-exported for callers that only import domain.
const (
	MessageTypeChat      = types.MessageTypeChat
	MessageTypeDelivered = types.MessageTypeDelivered
	MessageTypeRead      = types.MessageTypeRead

	ContentText     = types.ContentText
	ContentImage    = types.ContentImage
	ContentAudio    = types.ContentAudio
	ContentFile     = types.ContentFile
	ContentLocation = types.ContentLocation

	DirectionIn  = types.DirectionIn
	DirectionOut = types.DirectionOut

	StatusPending   = types.StatusPending
	StatusSent      = types.StatusSent
	StatusDelivered = types.StatusDelivered
	StatusRead      = types.StatusRead
	StatusFailed    = types.StatusFailed

	OutboxQueued  = types.OutboxQueued
	OutboxSending = types.OutboxSending
	OutboxSent    = types.OutboxSent
	OutboxFailed  = types.OutboxFailed

	CallInitiating = types.CallInitiating
	CallRinging    = types.CallRinging
	CallAnswered   = types.CallAnswered
	CallConnected  = types.CallConnected

	EndEnded    = types.EndEnded
	EndDeclined = types.EndDeclined
	EndBusy     = types.EndBusy
	EndTimeout  = types.EndTimeout
	EndFailed   = types.EndFailed
)

// Interface aliases expose domain interfaces from the interfaces subpackage.
type (
	IdentityService = interfaces.IdentityService
	IdentityStore   = interfaces.IdentityStore
	AccountStore    = interfaces.AccountStore
	OutboxStore     = interfaces.OutboxStore
	MessageStore    = interfaces.MessageStore
	KeyDirectory    = interfaces.KeyDirectory
)
