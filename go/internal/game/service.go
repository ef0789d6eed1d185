package game

import (
	"context"
	"encoding/json"
	"net/http"

	"connectrpc.com/connect"

	"github.com/ThomasWhittington/Clocktower-sub001/go/internal/apperr"
	"github.com/ThomasWhittington/Clocktower-sub001/go/internal/models"
)

// GameServiceName is the fully-qualified name of the game service.
const GameServiceName = "clocktower.v1.GameService"

// Procedure names of the game service.
const (
	StartSessionProcedure          = "/" + GameServiceName + "/StartSession"
	AddParticipantProcedure        = "/" + GameServiceName + "/AddParticipant"
	RemoveParticipantProcedure     = "/" + GameServiceName + "/RemoveParticipant"
	ChangeParticipantRoleProcedure = "/" + GameServiceName + "/ChangeParticipantRole"
	SetPhaseProcedure              = "/" + GameServiceName + "/SetPhase"
	JoinSubscriberProcedure        = "/" + GameServiceName + "/JoinSubscriber"
	LeaveSubscriberProcedure       = "/" + GameServiceName + "/LeaveSubscriber"
	DeleteSessionProcedure         = "/" + GameServiceName + "/DeleteSession"
	GetSessionProcedure            = "/" + GameServiceName + "/GetSession"
	ListSessionsProcedure          = "/" + GameServiceName + "/ListSessions"
	GetProjectionProcedure         = "/" + GameServiceName + "/GetProjection"
	GetTimerProcedure              = "/" + GameServiceName + "/GetTimer"
	StartOrEditTimerProcedure      = "/" + GameServiceName + "/StartOrEditTimer"
	CancelTimerProcedure           = "/" + GameServiceName + "/CancelTimer"
	GetPresenceProcedure           = "/" + GameServiceName + "/GetPresence"
	ReplacePresenceProcedure       = "/" + GameServiceName + "/ReplacePresence"
	InvalidatePresenceProcedure    = "/" + GameServiceName + "/InvalidatePresence"
	PingProcedure                  = "/" + GameServiceName + "/Ping"
)

// GameApp defines what the service layer needs from the game application
type GameApp interface {
	StartSession(ctx context.Context, req StartSessionRequest) (models.Session, error)
	AddParticipant(ctx context.Context, req AddParticipantRequest) (models.Session, error)
	RemoveParticipant(ctx context.Context, req RemoveParticipantRequest) (models.Session, error)
	ChangeParticipantRole(ctx context.Context, req ChangeRoleRequest) (models.Session, error)
	SetPhase(ctx context.Context, req SetPhaseRequest) (models.Session, error)
	JoinSubscriber(ctx context.Context, sessionID, subscriberID string) (models.ViewerProjection, error)
	LeaveSubscriber(ctx context.Context, sessionID, subscriberID string) error
	DeleteSession(ctx context.Context, req DeleteSessionRequest) error
	GetSession(ctx context.Context, sessionID string) (models.Session, error)
	ListSessions(ctx context.Context, guildID string) ([]models.Session, error)
	GetProjection(ctx context.Context, sessionID, viewerID string) (models.ViewerProjection, error)
	GetTimer(ctx context.Context, sessionID string) (models.TimerState, error)
	StartOrEditTimer(ctx context.Context, sessionID string, durationSeconds int, label *string) (models.TimerState, error)
	CancelTimer(ctx context.Context, sessionID string) (models.TimerState, error)
	GetPresence(ctx context.Context, guildID string) (models.PresenceSnapshot, error)
	ReplacePresence(ctx context.Context, guildID string, snap models.PresenceSnapshot) error
	InvalidatePresence(ctx context.Context, guildID string) error
	Ping(ctx context.Context, subscriberID, text string) error
}

// Verify that App satisfies GameApp
var _ GameApp = (*App)(nil)

// Service exposes the game application over connect with JSON bodies
type Service struct {
	app GameApp
}

// NewService creates a new game service
func NewService(app GameApp) *Service {
	return &Service{app: app}
}

// StartSession opens a new session
func (s *Service) StartSession(ctx context.Context, req *connect.Request[StartSessionRequest]) (*connect.Response[SessionResponse], error) {
	session, err := s.app.StartSession(ctx, *req.Msg)
	if err != nil {
		return nil, errorToConnect(err)
	}
	return connect.NewResponse(&SessionResponse{Session: session}), nil
}

// AddParticipant adds a participant to a session
func (s *Service) AddParticipant(ctx context.Context, req *connect.Request[AddParticipantRequest]) (*connect.Response[SessionResponse], error) {
	session, err := s.app.AddParticipant(ctx, *req.Msg)
	if err != nil {
		return nil, errorToConnect(err)
	}
	return connect.NewResponse(&SessionResponse{Session: session}), nil
}

// RemoveParticipant removes a participant from a session
func (s *Service) RemoveParticipant(ctx context.Context, req *connect.Request[RemoveParticipantRequest]) (*connect.Response[SessionResponse], error) {
	session, err := s.app.RemoveParticipant(ctx, *req.Msg)
	if err != nil {
		return nil, errorToConnect(err)
	}
	return connect.NewResponse(&SessionResponse{Session: session}), nil
}

// ChangeParticipantRole changes the role of a participant
func (s *Service) ChangeParticipantRole(ctx context.Context, req *connect.Request[ChangeRoleRequest]) (*connect.Response[SessionResponse], error) {
	session, err := s.app.ChangeParticipantRole(ctx, *req.Msg)
	if err != nil {
		return nil, errorToConnect(err)
	}
	return connect.NewResponse(&SessionResponse{Session: session}), nil
}

// SetPhase moves a session to another phase
func (s *Service) SetPhase(ctx context.Context, req *connect.Request[SetPhaseRequest]) (*connect.Response[SessionResponse], error) {
	session, err := s.app.SetPhase(ctx, *req.Msg)
	if err != nil {
		return nil, errorToConnect(err)
	}
	return connect.NewResponse(&SessionResponse{Session: session}), nil
}

// JoinSubscriber subscribes a subscriber to a session's updates
func (s *Service) JoinSubscriber(ctx context.Context, req *connect.Request[SubscriberRequest]) (*connect.Response[ProjectionResponse], error) {
	proj, err := s.app.JoinSubscriber(ctx, req.Msg.SessionID, req.Msg.SubscriberID)
	if err != nil {
		return nil, errorToConnect(err)
	}
	return connect.NewResponse(&ProjectionResponse{Projection: proj}), nil
}

// LeaveSubscriber unsubscribes a subscriber from a session's updates
func (s *Service) LeaveSubscriber(ctx context.Context, req *connect.Request[SubscriberRequest]) (*connect.Response[Empty], error) {
	if err := s.app.LeaveSubscriber(ctx, req.Msg.SessionID, req.Msg.SubscriberID); err != nil {
		return nil, errorToConnect(err)
	}
	return connect.NewResponse(&Empty{}), nil
}

// DeleteSession deletes a session
func (s *Service) DeleteSession(ctx context.Context, req *connect.Request[DeleteSessionRequest]) (*connect.Response[Empty], error) {
	if err := s.app.DeleteSession(ctx, *req.Msg); err != nil {
		return nil, errorToConnect(err)
	}
	return connect.NewResponse(&Empty{}), nil
}

// GetSession retrieves a session by ID
func (s *Service) GetSession(ctx context.Context, req *connect.Request[SessionRequest]) (*connect.Response[SessionResponse], error) {
	session, err := s.app.GetSession(ctx, req.Msg.SessionID)
	if err != nil {
		return nil, errorToConnect(err)
	}
	return connect.NewResponse(&SessionResponse{Session: session}), nil
}

// ListSessions lists the sessions of a guild
func (s *Service) ListSessions(ctx context.Context, req *connect.Request[ListSessionsRequest]) (*connect.Response[ListSessionsResponse], error) {
	sessions, err := s.app.ListSessions(ctx, req.Msg.GuildID)
	if err != nil {
		return nil, errorToConnect(err)
	}
	if sessions == nil {
		sessions = []models.Session{}
	}
	return connect.NewResponse(&ListSessionsResponse{Sessions: sessions}), nil
}

// GetProjection retrieves a viewer's projection of a session
func (s *Service) GetProjection(ctx context.Context, req *connect.Request[ProjectionRequest]) (*connect.Response[ProjectionResponse], error) {
	proj, err := s.app.GetProjection(ctx, req.Msg.SessionID, req.Msg.ViewerID)
	if err != nil {
		return nil, errorToConnect(err)
	}
	return connect.NewResponse(&ProjectionResponse{Projection: proj}), nil
}

// GetTimer retrieves a session's countdown
func (s *Service) GetTimer(ctx context.Context, req *connect.Request[SessionRequest]) (*connect.Response[TimerResponse], error) {
	state, err := s.app.GetTimer(ctx, req.Msg.SessionID)
	if err != nil {
		return nil, errorToConnect(err)
	}
	return connect.NewResponse(&TimerResponse{Timer: state}), nil
}

// StartOrEditTimer starts or replaces a session's countdown
func (s *Service) StartOrEditTimer(ctx context.Context, req *connect.Request[StartTimerRequest]) (*connect.Response[TimerResponse], error) {
	state, err := s.app.StartOrEditTimer(ctx, req.Msg.SessionID, req.Msg.DurationSeconds, req.Msg.Label)
	if err != nil {
		return nil, errorToConnect(err)
	}
	return connect.NewResponse(&TimerResponse{Timer: state}), nil
}

// CancelTimer cancels a session's countdown
func (s *Service) CancelTimer(ctx context.Context, req *connect.Request[SessionRequest]) (*connect.Response[TimerResponse], error) {
	state, err := s.app.CancelTimer(ctx, req.Msg.SessionID)
	if err != nil {
		return nil, errorToConnect(err)
	}
	return connect.NewResponse(&TimerResponse{Timer: state}), nil
}

// GetPresence retrieves a guild's presence snapshot
func (s *Service) GetPresence(ctx context.Context, req *connect.Request[GuildRequest]) (*connect.Response[PresenceResponse], error) {
	snap, err := s.app.GetPresence(ctx, req.Msg.GuildID)
	if err != nil {
		return nil, errorToConnect(err)
	}
	return connect.NewResponse(&PresenceResponse{Snapshot: snap}), nil
}

// ReplacePresence replaces a guild's presence snapshot
func (s *Service) ReplacePresence(ctx context.Context, req *connect.Request[ReplacePresenceRequest]) (*connect.Response[Empty], error) {
	if err := s.app.ReplacePresence(ctx, req.Msg.GuildID, req.Msg.Snapshot); err != nil {
		return nil, errorToConnect(err)
	}
	return connect.NewResponse(&Empty{}), nil
}

// InvalidatePresence drops a guild's presence snapshot
func (s *Service) InvalidatePresence(ctx context.Context, req *connect.Request[GuildRequest]) (*connect.Response[Empty], error) {
	if err := s.app.InvalidatePresence(ctx, req.Msg.GuildID); err != nil {
		return nil, errorToConnect(err)
	}
	return connect.NewResponse(&Empty{}), nil
}

// Ping sends an out-of-band notice to a subscriber
func (s *Service) Ping(ctx context.Context, req *connect.Request[PingRequest]) (*connect.Response[Empty], error) {
	if err := s.app.Ping(ctx, req.Msg.SubscriberID, req.Msg.Text); err != nil {
		return nil, errorToConnect(err)
	}
	return connect.NewResponse(&Empty{}), nil
}

// NewGameServiceHandler builds an HTTP handler for every game procedure. It
// returns the path to mount the handler on.
func NewGameServiceHandler(svc *Service, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(JSONCodec{})}, opts...)

	mux := http.NewServeMux()
	mux.Handle(StartSessionProcedure, connect.NewUnaryHandler(StartSessionProcedure, svc.StartSession, opts...))
	mux.Handle(AddParticipantProcedure, connect.NewUnaryHandler(AddParticipantProcedure, svc.AddParticipant, opts...))
	mux.Handle(RemoveParticipantProcedure, connect.NewUnaryHandler(RemoveParticipantProcedure, svc.RemoveParticipant, opts...))
	mux.Handle(ChangeParticipantRoleProcedure, connect.NewUnaryHandler(ChangeParticipantRoleProcedure, svc.ChangeParticipantRole, opts...))
	mux.Handle(SetPhaseProcedure, connect.NewUnaryHandler(SetPhaseProcedure, svc.SetPhase, opts...))
	mux.Handle(JoinSubscriberProcedure, connect.NewUnaryHandler(JoinSubscriberProcedure, svc.JoinSubscriber, opts...))
	mux.Handle(LeaveSubscriberProcedure, connect.NewUnaryHandler(LeaveSubscriberProcedure, svc.LeaveSubscriber, opts...))
	mux.Handle(DeleteSessionProcedure, connect.NewUnaryHandler(DeleteSessionProcedure, svc.DeleteSession, opts...))
	mux.Handle(GetSessionProcedure, connect.NewUnaryHandler(GetSessionProcedure, svc.GetSession, opts...))
	mux.Handle(ListSessionsProcedure, connect.NewUnaryHandler(ListSessionsProcedure, svc.ListSessions, opts...))
	mux.Handle(GetProjectionProcedure, connect.NewUnaryHandler(GetProjectionProcedure, svc.GetProjection, opts...))
	mux.Handle(GetTimerProcedure, connect.NewUnaryHandler(GetTimerProcedure, svc.GetTimer, opts...))
	mux.Handle(StartOrEditTimerProcedure, connect.NewUnaryHandler(StartOrEditTimerProcedure, svc.StartOrEditTimer, opts...))
	mux.Handle(CancelTimerProcedure, connect.NewUnaryHandler(CancelTimerProcedure, svc.CancelTimer, opts...))
	mux.Handle(GetPresenceProcedure, connect.NewUnaryHandler(GetPresenceProcedure, svc.GetPresence, opts...))
	mux.Handle(ReplacePresenceProcedure, connect.NewUnaryHandler(ReplacePresenceProcedure, svc.ReplacePresence, opts...))
	mux.Handle(InvalidatePresenceProcedure, connect.NewUnaryHandler(InvalidatePresenceProcedure, svc.InvalidatePresence, opts...))
	mux.Handle(PingProcedure, connect.NewUnaryHandler(PingProcedure, svc.Ping, opts...))

	return "/" + GameServiceName + "/", mux
}

// errorToConnect maps an application error onto a connect error code.
func errorToConnect(err error) error {
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		return connect.NewError(connect.CodeNotFound, err)
	case apperr.KindConflict:
		return connect.NewError(connect.CodeAlreadyExists, err)
	case apperr.KindInvalid:
		return connect.NewError(connect.CodeInvalidArgument, err)
	}
	return connect.NewError(connect.CodeInternal, err)
}

// JSONCodec marshals plain Go structs as JSON. The connect built-in JSON
// codec only accepts protobuf messages.
type JSONCodec struct{}

// Name implements connect.Codec.
func (JSONCodec) Name() string { return "json" }

// Marshal implements connect.Codec.
func (JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal implements connect.Codec. An empty body decodes to the zero
// message.
func (JSONCodec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
