package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"turtle_botnet/internal/domain"
)

// JobCode selects what a turtle request asks for.
type JobCode int

const (
	JobExists   JobCode = 1
	JobRegister JobCode = 2
	JobPoll     JobCode = 3
	JobResult   JobCode = 4
)

// World build limits for a turtle's starting height.
const (
	MinY = -64
	MaxY = 320
)

var (
	ErrUnknownJobCode      = errors.New("unknown job code")
	ErrMissingTurtleID     = errors.New("turtle_id is required")
	ErrInvalidRegistration = errors.New("invalid registration")
)

type Request struct {
	TurtleID string          `json:"turtle_id"`
	Job      JobCode         `json:"job"`
	Data     json.RawMessage `json:"data,omitempty"`
}

type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// Push is sent unprompted over a websocket when a job is queued for the turtle.
type Push struct {
	Push string     `json:"push"`
	Data domain.Job `json:"data"`
}

// Fleet is what the transport needs from the orchestrator.
type Fleet interface {
	TurtleExists(id string) bool
	RegisterTurtle(ctx context.Context, position domain.Point3, direction domain.Direction) (domain.Turtle, error)
	PollJob(id string) (domain.Job, bool, error)
	PostResult(id string, results []any) error
}

type Registration struct {
	X         *float64 `json:"x"`
	Y         *float64 `json:"y"`
	Z         *float64 `json:"z"`
	Direction string   `json:"direction"`
}

// Handler answers decoded requests. It never panics on bad input; every
// problem becomes a failed Response.
type Handler struct {
	fleet  Fleet
	logger *slog.Logger
}

func NewHandler(fleet Fleet, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{fleet: fleet, logger: logger}
}

// HandleRaw decodes one request body and answers it.
func (h *Handler) HandleRaw(ctx context.Context, raw []byte) (Request, Response) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, failure(fmt.Errorf("decode request: %w", err))
	}
	return req, h.Handle(ctx, req)
}

func (h *Handler) Handle(ctx context.Context, req Request) Response {
	switch req.Job {
	case JobExists:
		if req.TurtleID == "" {
			return failure(ErrMissingTurtleID)
		}
		return Response{Success: true, Data: map[string]bool{"exists": h.fleet.TurtleExists(req.TurtleID)}}
	case JobRegister:
		position, direction, err := parseRegistration(req.Data)
		if err != nil {
			return failure(err)
		}
		t, err := h.fleet.RegisterTurtle(ctx, position, direction)
		if err != nil {
			return failure(err)
		}
		return Response{Success: true, Data: t}
	case JobPoll:
		if req.TurtleID == "" {
			return failure(ErrMissingTurtleID)
		}
		job, ok, err := h.fleet.PollJob(req.TurtleID)
		if err != nil {
			return failure(err)
		}
		if !ok {
			return Response{Success: true, Message: "no job queued"}
		}
		return Response{Success: true, Data: job}
	case JobResult:
		if req.TurtleID == "" {
			return failure(ErrMissingTurtleID)
		}
		var results []any
		if len(req.Data) > 0 {
			if err := json.Unmarshal(req.Data, &results); err != nil {
				return failure(fmt.Errorf("decode results: %w", err))
			}
		}
		if err := h.fleet.PostResult(req.TurtleID, results); err != nil {
			return failure(err)
		}
		return Response{Success: true}
	default:
		h.logger.Debug("rejected request", "turtle", req.TurtleID, "job", int(req.Job))
		return failure(fmt.Errorf("%w: %d", ErrUnknownJobCode, int(req.Job)))
	}
}

func parseRegistration(raw json.RawMessage) (domain.Point3, domain.Direction, error) {
	if len(raw) == 0 {
		return domain.Point3{}, "", fmt.Errorf("%w: missing data", ErrInvalidRegistration)
	}
	var reg Registration
	if err := json.Unmarshal(raw, &reg); err != nil {
		return domain.Point3{}, "", fmt.Errorf("%w: %v", ErrInvalidRegistration, err)
	}
	x, err := coordinate("x", reg.X)
	if err != nil {
		return domain.Point3{}, "", err
	}
	y, err := coordinate("y", reg.Y)
	if err != nil {
		return domain.Point3{}, "", err
	}
	z, err := coordinate("z", reg.Z)
	if err != nil {
		return domain.Point3{}, "", err
	}
	if y < MinY || y > MaxY {
		return domain.Point3{}, "", fmt.Errorf("%w: y=%d outside [%d, %d]", ErrInvalidRegistration, y, MinY, MaxY)
	}
	direction := domain.Direction(reg.Direction)
	if !direction.Valid() {
		return domain.Point3{}, "", fmt.Errorf("%w: direction %q", ErrInvalidRegistration, reg.Direction)
	}
	return domain.Point3{X: x, Y: y, Z: z}, direction, nil
}

func coordinate(name string, v *float64) (int, error) {
	if v == nil {
		return 0, fmt.Errorf("%w: %s is required", ErrInvalidRegistration, name)
	}
	if *v != math.Trunc(*v) || math.Abs(*v) > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %s=%v is not an integer", ErrInvalidRegistration, name, *v)
	}
	return int(*v), nil
}

func failure(err error) Response {
	return Response{Success: false, Message: err.Error()}
}
