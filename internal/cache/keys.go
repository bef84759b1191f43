package cache

import "fmt"

const (
	KeySnapshot = "agents:snapshot"
	KeyAgentGeo = "agents:geo"
)

func KeyAgent(agentID string) string {
	return fmt.Sprintf("agent:%s", agentID)
}
