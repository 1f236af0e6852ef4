package wsdb

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ServerConfig identifies one remote daemon and the credentials used to
// reach it. It is treated as immutable once handed to a Pool or Job.
type ServerConfig struct {
	Host               string `mapstructure:"host" json:"host"`
	Port               int    `mapstructure:"port" json:"port"`
	User               string `mapstructure:"user" json:"user"`
	Password           string `mapstructure:"password" json:"password"`
	IgnoreUnauthorized bool   `mapstructure:"ignoreUnauthorized" json:"ignoreUnauthorized"`
	CA                 string `mapstructure:"ca" json:"ca"` //PEM bundle, optional
}

func (s *ServerConfig) String() string {
	return fmt.Sprintf("%s@%s:%d", s.User, s.Host, s.Port)
}

// Fingerprint hashes the TLS-relevant subset of the config. Credentials
// do not participate: two users against the same host share a context.
func (s *ServerConfig) Fingerprint() string {
	caSum := ""
	if s.CA != "" {
		h := sha256.Sum256([]byte(s.CA))
		caSum = hex.EncodeToString(h[:])[:16]
	}
	return fmt.Sprintf("ssl:%s:%d:%t:%s", s.Host, s.Port, s.IgnoreUnauthorized, caSum)
}

type JobStatus string

const (
	JobNotStarted JobStatus = "notStarted"
	JobReady      JobStatus = "ready"
	JobBusy       JobStatus = "busy"
	JobEnded      JobStatus = "ended"
)

// QueryOptions tune a single statement.
type QueryOptions struct {
	Parameters   interface{} //raw parameter shape, run through the Normalizer
	IsClCommand  bool
	TerseResults bool
}

type ColumnMetadata struct {
	DisplaySize int    `json:"display_size"`
	Label       string `json:"label"`
	Name        string `json:"name"`
	Type        string `json:"type"`
}

type QueryMetadata struct {
	ColumnCount int              `json:"column_count"`
	Columns     []ColumnMetadata `json:"columns"`
	Job         string           `json:"job"`
}

// serverResponse is the inbound wire frame. The id echoes the
// correlation id of the request stream it belongs to.
type serverResponse struct {
	ID          string         `json:"id"`
	Success     bool           `json:"success"`
	Error       string         `json:"error,omitempty"`
	SQLState    string         `json:"sql_state,omitempty"`
	SQLRC       int            `json:"sql_rc,omitempty"`
	Job         string         `json:"job,omitempty"`
	IsDone      bool           `json:"is_done"`
	HasResults  bool           `json:"has_results"`
	UpdateCount int            `json:"update_count"`
	Metadata    *QueryMetadata `json:"metadata,omitempty"`
	Data        []interface{}  `json:"data,omitempty"`
	Version     string         `json:"version,omitempty"`
	BuildDate   string         `json:"build_date,omitempty"`
}

// QueryResult is one page of a result set.
type QueryResult struct {
	ID          string         `json:"id"`
	Success     bool           `json:"success"`
	IsDone      bool           `json:"is_done"`
	HasResults  bool           `json:"has_results"`
	UpdateCount int            `json:"update_count"`
	Metadata    *QueryMetadata `json:"metadata,omitempty"`
	Data        []interface{}  `json:"data,omitempty"`
}

func toQueryResult(r *serverResponse) *QueryResult {
	return &QueryResult{
		ID:          r.ID,
		Success:     r.Success,
		IsDone:      r.IsDone,
		HasResults:  r.HasResults,
		UpdateCount: r.UpdateCount,
		Metadata:    r.Metadata,
		Data:        r.Data,
	}
}

// ConnectionResult is the payload of a successful handshake.
type ConnectionResult struct {
	ID  string
	Job string
}

type VersionResult struct {
	Version   string
	BuildDate string
}
