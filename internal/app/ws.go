package app

import (
	"context"
	"errors"

	"marginalia/api/internal/rbac"
	"marginalia/api/internal/realtime"
	"marginalia/api/internal/store"
)

// HandleAction dispatches one channel request from a connected session.
// Mutations go through the same service methods as the HTTP handlers, so a
// commit is broadcast identically however it arrived. Failures turn into an
// error payload delivered to the requesting session only.
func (s *Service) HandleAction(ctx context.Context, session *realtime.Session, req realtime.Request) *realtime.ErrorPayload {
	caller := Caller{
		UserID: session.UserID,
		Name:   session.UserName,
		Role:   rbac.Normalize(session.Role),
	}

	switch req.Action {
	case realtime.ActionHeartbeat:
		if err := s.presence.Refresh(ctx, session.DocumentID, session.ID); err != nil {
			return errorPayload(req.RequestID, err)
		}
		return nil

	case realtime.ActionSelection:
		if req.Selection != nil {
			if err := s.presence.SetOffsetHint(ctx, session.DocumentID, session.ID, req.Selection.Start); err != nil {
				return errorPayload(req.RequestID, err)
			}
		}
		s.hub.PublishPresence(session, realtime.Event{
			Kind:       realtime.EventPresenceSelection,
			DocumentID: session.DocumentID,
			Payload: realtime.PresencePayload{
				SessionID: session.ID,
				UserID:    session.UserID,
				UserName:  session.UserName,
				Selection: req.Selection,
			},
		})
		return nil

	case realtime.ActionCreate:
		if req.Span == nil {
			return errorPayload(req.RequestID, validationError("span is required"))
		}
		input := CreateAnnotationInput{
			Type:             req.Type,
			Span:             *req.Span,
			CorrelationToken: req.RequestID,
		}
		if req.Content != nil {
			input.Content = *req.Content
		}
		if req.Color != nil {
			input.Color = *req.Color
		}
		if _, err := s.CreateAnnotation(ctx, caller, session.DocumentID, input); err != nil {
			return errorPayload(req.RequestID, err)
		}
		return nil

	case realtime.ActionUpdate:
		patch := store.AnnotationPatch{Content: req.Content, Color: req.Color}
		if _, err := s.UpdateAnnotation(ctx, caller, req.ID, req.ExpectedVersion, patch); err != nil {
			return errorPayload(req.RequestID, err)
		}
		return nil

	case realtime.ActionDelete:
		if err := s.DeleteAnnotation(ctx, caller, req.ID, req.ExpectedVersion); err != nil {
			return errorPayload(req.RequestID, err)
		}
		return nil

	default:
		return errorPayload(req.RequestID, validationError("unknown action "+req.Action))
	}
}

func errorPayload(requestID string, err error) *realtime.ErrorPayload {
	var de *DomainError
	if errors.As(err, &de) {
		return &realtime.ErrorPayload{
			RequestID: requestID,
			Code:      de.Code,
			Message:   de.Message,
			Details:   de.Details,
		}
	}
	return &realtime.ErrorPayload{
		RequestID: requestID,
		Code:      "SERVER_ERROR",
		Message:   "internal error",
	}
}
