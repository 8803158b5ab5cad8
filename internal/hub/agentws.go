package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/clawrelay/clawrelay/internal/authsvc"
	"github.com/clawrelay/clawrelay/internal/logger"
	"github.com/clawrelay/clawrelay/internal/machine"
	"github.com/clawrelay/clawrelay/internal/protocol"
)

// agentSocket adapts a *websocket.Conn to machine.AgentSocket so the
// machine registry can force-close a replaced or stale agent connection
// without importing package hub.
type agentSocket struct {
	conn *websocket.Conn
}

func (a *agentSocket) Close(reason string) {
	a.conn.Close(websocket.StatusCode(protocol.CloseReplaced), reason)
}

func (a *agentSocket) CloseGoingAway(reason string) {
	a.conn.Close(websocket.StatusGoingAway, reason)
}

func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if !authsvc.AgentTokenValid(token, s.cfg.AgentToken) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		logger.Warn("hub: agent websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	sock := &agentSocket{conn: conn}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		switch env.Type {
		case protocol.TypeAgentRegister:
			var msg protocol.AgentRegister
			if json.Unmarshal(data, &msg) != nil {
				continue
			}
			if msg.MachineID == machine.LocalID {
				s.writeAgent(ctx, conn, &protocol.HubRegistered{Type: protocol.TypeHubRegistered, Success: false, Error: "reserved machine id"})
				continue
			}
			s.mr.Register(msg.MachineID, msg.Hostname, msg.Address, msg.AgentVersion, sock)
			s.writeAgent(ctx, conn, &protocol.HubRegistered{Type: protocol.TypeHubRegistered, Success: true})

		case protocol.TypeAgentProjects:
			var msg protocol.AgentProjects
			if json.Unmarshal(data, &msg) == nil {
				s.mr.UpdateProjects(msg.MachineID, msg.Projects)
				logger.Info("hub: agent projects updated", "machineId", msg.MachineID, "count", len(msg.Projects))
			}

		case protocol.TypeAgentSessions:
			var msg protocol.AgentSessions
			if json.Unmarshal(data, &msg) == nil {
				s.mr.UpdateSessions(msg.MachineID, msg.Sessions)
				logger.Info("hub: agent sessions updated", "machineId", msg.MachineID, "count", len(msg.Sessions))
			}

		case protocol.TypeAgentHeartbeat:
			var msg protocol.AgentHeartbeat
			if json.Unmarshal(data, &msg) == nil && s.mr.Heartbeat(msg.MachineID) {
				s.writeAgent(ctx, conn, &protocol.HubPong{Type: protocol.TypeHubPong})
			}

		default:
			logger.Warn("hub: unrecognized agent frame type", "type", env.Type)
		}
	}
}

func (s *Server) writeAgent(ctx context.Context, conn *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn.Write(writeCtx, websocket.MessageText, data)
}
