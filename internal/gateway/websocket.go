package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/openclaw/openclaw/internal/cron"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsRequest is one RPC frame from the client.
type wsRequest struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func wsOK(id string, payload any) map[string]any {
	return map[string]any{"type": "res", "id": id, "ok": true, "payload": payload}
}

func wsError(id string, err error) map[string]any {
	code := "internal_error"
	var reqErr *cron.RequestError
	if errors.As(err, &reqErr) {
		code = "invalid_request"
	}
	return map[string]any{
		"type":  "res",
		"id":    id,
		"ok":    false,
		"error": ErrorBody{Code: code, Message: err.Error()},
	}
}

func (s *Server) handleWebSocket(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("WebSocket upgrade failed")
		return err
	}
	defer ws.Close()

	s.logger.Info().Msg("WebSocket client connected")

	ctx := c.Request().Context()
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info().Msg("WebSocket client disconnected")
			} else {
				s.logger.Error().Err(err).Msg("WebSocket read error")
			}
			break
		}

		var req wsRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			s.logger.Error().Err(err).Msg("Failed to unmarshal request")
			continue
		}

		switch req.Method {
		case "connect":
			_ = ws.WriteJSON(wsOK(req.ID, map[string]any{
				"type":     "hello-ok",
				"protocol": 1,
				"snapshot": map[string]any{"uptimeMs": s.Uptime().Milliseconds()},
			}))

		case "cron.status":
			status, err := s.cronService.Status(ctx)
			if err != nil {
				_ = ws.WriteJSON(wsError(req.ID, err))
				break
			}
			_ = ws.WriteJSON(wsOK(req.ID, status))

		case "cron.list":
			var params cron.ListParams
			if err := unmarshalParams(req.Params, &params); err != nil {
				_ = ws.WriteJSON(wsError(req.ID, err))
				break
			}
			result, err := s.cronService.List(ctx, params)
			if err != nil {
				_ = ws.WriteJSON(wsError(req.ID, err))
				break
			}
			_ = ws.WriteJSON(wsOK(req.ID, result))

		case "cron.add":
			create, err := decodeJobCreate(req.Params)
			if err != nil {
				_ = ws.WriteJSON(wsError(req.ID, err))
				break
			}
			job, err := s.cronService.Add(ctx, create)
			if err != nil {
				_ = ws.WriteJSON(wsError(req.ID, err))
				break
			}
			_ = ws.WriteJSON(wsOK(req.ID, map[string]any{"ok": true, "job": job}))

		case "cron.update":
			var params struct {
				ID    string        `json:"id"`
				Patch cron.JobPatch `json:"patch"`
			}
			if err := unmarshalParams(req.Params, &params); err != nil {
				_ = ws.WriteJSON(wsError(req.ID, err))
				break
			}
			job, err := s.cronService.Update(ctx, params.ID, params.Patch)
			if err != nil {
				_ = ws.WriteJSON(wsError(req.ID, err))
				break
			}
			_ = ws.WriteJSON(wsOK(req.ID, map[string]any{"ok": true, "job": job}))

		case "cron.remove":
			var params struct {
				ID string `json:"id"`
			}
			if err := unmarshalParams(req.Params, &params); err != nil {
				_ = ws.WriteJSON(wsError(req.ID, err))
				break
			}
			if err := s.cronService.Remove(ctx, params.ID); err != nil {
				_ = ws.WriteJSON(wsError(req.ID, err))
				break
			}
			_ = ws.WriteJSON(wsOK(req.ID, map[string]any{"ok": true, "removed": true, "id": params.ID}))

		case "cron.run":
			var params struct {
				ID   string `json:"id"`
				Mode string `json:"mode"`
			}
			if err := unmarshalParams(req.Params, &params); err != nil {
				_ = ws.WriteJSON(wsError(req.ID, err))
				break
			}
			result, err := s.cronService.Run(ctx, params.ID, params.Mode)
			if err != nil {
				_ = ws.WriteJSON(wsError(req.ID, err))
				break
			}
			_ = ws.WriteJSON(wsOK(req.ID, result))

		case "cron.runs":
			var params struct {
				ID    string `json:"id"`
				Limit int    `json:"limit"`
			}
			if err := unmarshalParams(req.Params, &params); err != nil {
				_ = ws.WriteJSON(wsError(req.ID, err))
				break
			}
			result, err := s.cronService.Runs(ctx, params.ID, params.Limit)
			if err != nil {
				_ = ws.WriteJSON(wsError(req.ID, err))
				break
			}
			_ = ws.WriteJSON(wsOK(req.ID, result))

		case "scheduler.status":
			_ = ws.WriteJSON(wsOK(req.ID, s.cronService.SchedulerStatus(ctx)))

		default:
			_ = ws.WriteJSON(map[string]any{
				"type":  "res",
				"id":    req.ID,
				"ok":    false,
				"error": ErrorBody{Code: "invalid_request", Message: "Method not found: " + req.Method},
			})
		}
	}

	return nil
}

// decodeJobCreate accepts cron.add params both bare and wrapped as
// {"job": {...}}; the CLI sends the wrapped form.
func decodeJobCreate(raw json.RawMessage) (cron.JobCreate, error) {
	var wrapped struct {
		Job *cron.JobCreate `json:"job"`
	}
	if err := unmarshalParams(raw, &wrapped); err == nil && wrapped.Job != nil {
		return *wrapped.Job, nil
	}
	var create cron.JobCreate
	if err := unmarshalParams(raw, &create); err != nil {
		return cron.JobCreate{}, err
	}
	return create, nil
}

func unmarshalParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &cron.RequestError{Message: "invalid params: " + err.Error()}
	}
	return nil
}
