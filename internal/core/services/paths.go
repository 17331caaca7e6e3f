package services

import "livecast/internal/core/domain"

// Relay path schema, keyed by session id S and viewer id V. The layout is
// shared by both roles; within one path the relay preserves write order.

func presenceRootPath(s domain.SessionID) string {
	return "presence/" + string(s)
}

func broadcasterPresencePath(s domain.SessionID) string {
	return "presence/" + string(s) + "/broadcaster"
}

func viewersPresencePath(s domain.SessionID) string {
	return "presence/" + string(s) + "/viewers"
}

func viewerPresencePath(s domain.SessionID, v domain.UserID) string {
	return "presence/" + string(s) + "/viewers/" + string(v)
}

func signalingRootPath(s domain.SessionID) string {
	return "signaling/" + string(s)
}

func offersPath(s domain.SessionID) string {
	return "signaling/" + string(s) + "/offers"
}

func offerPath(s domain.SessionID, v domain.UserID) string {
	return "signaling/" + string(s) + "/offers/" + string(v)
}

func answerPath(s domain.SessionID, v domain.UserID) string {
	return "signaling/" + string(s) + "/answers/" + string(v)
}

func viewerCandidatesPath(s domain.SessionID, v domain.UserID) string {
	return "signaling/" + string(s) + "/viewerCandidates/" + string(v)
}

func broadcasterCandidatesPath(s domain.SessionID, v domain.UserID) string {
	return "signaling/" + string(s) + "/broadcasterCandidates/" + string(v)
}

func chatRootPath(s domain.SessionID) string {
	return "chat/" + string(s)
}

func chatMessagesPath(s domain.SessionID) string {
	return "chat/" + string(s) + "/messages"
}

func reactionsRootPath(s domain.SessionID) string {
	return "reactions/" + string(s)
}

func heartsPath(s domain.SessionID) string {
	return "reactions/" + string(s) + "/hearts"
}

// offerEnvelope and answerEnvelope are the wire forms stored at the offer and
// answer paths.
type offerEnvelope struct {
	Offer domain.SessionDescription `json:"offer"`
}

type answerEnvelope struct {
	Answer domain.SessionDescription `json:"answer"`
}
