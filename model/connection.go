// Package model holds the data types shared by the connection stores, the
// connection cache and the session service.
package model

import (
	"time"
)

// ConnectionStatus is the lifecycle state of a client connection.
type ConnectionStatus string

const (
	StatusRequested     ConnectionStatus = "REQUESTED"
	StatusAuthenticated ConnectionStatus = "AUTHENTICATED"
	StatusEstablished   ConnectionStatus = "ESTABLISHED"
	StatusClosed        ConnectionStatus = "CLOSED"
)

// AllStatuses lists every lifecycle state in transition order.
var AllStatuses = []ConnectionStatus{StatusRequested, StatusAuthenticated, StatusEstablished, StatusClosed}

func (s ConnectionStatus) Valid() bool {
	switch s {
	case StatusRequested, StatusAuthenticated, StatusEstablished, StatusClosed:
		return true
	}
	return false
}

// ConnectionRecord is the durable state of one exam client connection.
type ConnectionRecord struct {
	ID                   int64            `json:"id"`
	InstitutionID        int64            `json:"institution_id"`
	ExamID               *int64           `json:"exam_id,omitempty"`
	ConnectionToken      string           `json:"connection_token"`
	Status               ConnectionStatus `json:"status"`
	UserSessionID        *string          `json:"user_session_id,omitempty"`
	ClientAddress        string           `json:"client_address"`
	VirtualClientAddress *string          `json:"virtual_client_address,omitempty"`
	CreationTime         time.Time        `json:"creation_time"`
}

// HasExam reports whether the connection is bound to an exam.
func (r *ConnectionRecord) HasExam() bool {
	return r.ExamID != nil
}

// ExamIDOrZero returns the bound exam id or 0.
func (r *ConnectionRecord) ExamIDOrZero() int64 {
	if r.ExamID == nil {
		return 0
	}
	return *r.ExamID
}

// UserSessionIDOrEmpty returns the bound user session id or "".
func (r *ConnectionRecord) UserSessionIDOrEmpty() string {
	if r.UserSessionID == nil {
		return ""
	}
	return *r.UserSessionID
}

// Clone returns a deep copy so cached records can be handed out safely.
func (r *ConnectionRecord) Clone() *ConnectionRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.ExamID != nil {
		v := *r.ExamID
		c.ExamID = &v
	}
	if r.UserSessionID != nil {
		v := *r.UserSessionID
		c.UserSessionID = &v
	}
	if r.VirtualClientAddress != nil {
		v := *r.VirtualClientAddress
		c.VirtualClientAddress = &v
	}
	return &c
}

// NewConnection describes a connection to be created.
type NewConnection struct {
	InstitutionID   int64
	ExamID          Optional[int64]
	ConnectionToken string
	ClientAddress   string
}

// ConnectionUpdate is a partial save. Only set fields are written; ExamID and
// UserSessionID are only applied when the stored value is still unset.
// When ExpectedStatus is set the save only applies while the stored status
// still equals it, otherwise the store reports ErrInvalidStateTransition.
type ConnectionUpdate struct {
	ID                   int64
	ExpectedStatus       Optional[ConnectionStatus]
	ExamID               Optional[int64]
	Status               Optional[ConnectionStatus]
	UserSessionID        Optional[string]
	VirtualClientAddress Optional[string]
}

// IsEmpty reports whether the update carries no fields.
func (u ConnectionUpdate) IsEmpty() bool {
	return !u.ExamID.IsSet() && !u.Status.IsSet() && !u.UserSessionID.IsSet() && !u.VirtualClientAddress.IsSet()
}
