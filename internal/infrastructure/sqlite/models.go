package sqlite

import (
	"time"

	"github.com/zjrosen/banshee/internal/session"
)

// sessionModel is a row of the sessions table. Times are unix seconds.
type sessionModel struct {
	ID        string
	Dir       string
	Agent     string
	CreatedAt int64
	UpdatedAt int64
}

func toSessionModel(r session.Record) sessionModel {
	return sessionModel{
		ID:        r.ID,
		Dir:       r.Dir,
		Agent:     string(r.Agent),
		CreatedAt: r.CreatedAt.Unix(),
		UpdatedAt: r.UpdatedAt.Unix(),
	}
}

func (m sessionModel) toRecord() session.Record {
	return session.Record{
		ID:        m.ID,
		Dir:       m.Dir,
		Agent:     session.Agent(m.Agent),
		CreatedAt: time.Unix(m.CreatedAt, 0),
		UpdatedAt: time.Unix(m.UpdatedAt, 0),
	}
}
