package main

import "time"

// Stats represents current relay stats for dashboards & API.
type Stats struct {
	Sessions      int            `json:"sessions"`
	Servers       int            `json:"servers"`
	TotalSessions int64          `json:"total_sessions"`
	Tunnels       []tunnelRecord `json:"tunnels"`
	Now           string         `json:"now"`
}

func collectStats(s StateStore) Stats {
	sessions, servers, total := s.getStats()
	return Stats{
		Sessions:      sessions,
		Servers:       servers,
		TotalSessions: total,
		Tunnels:       s.listTunnels(),
		Now:           time.Now().UTC().Format(time.RFC3339),
	}
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"Sessions": s.Sessions,
		"Servers":  s.Servers,
		"Total":    s.TotalSessions,
		"Tunnels":  s.Tunnels,
	}
}
