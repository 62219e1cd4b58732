package model

import "time"

// Role is the closed set of principal roles. There is no role-change path:
// a user keeps the role it was created with.
type Role string

const (
	RoleDriver Role = "driver"
	RolePatrol Role = "patrol"
	RoleAdmin  Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleDriver, RolePatrol, RoleAdmin:
		return true
	default:
		return false
	}
}

// AlertStatus is the closed status set for alerts. "in-progress" sits
// between verified and resolved on the patrol update path.
type AlertStatus string

const (
	StatusPending    AlertStatus = "pending"
	StatusVerified   AlertStatus = "verified"
	StatusInProgress AlertStatus = "in-progress"
	StatusResolved   AlertStatus = "resolved"
)

func (s AlertStatus) Valid() bool {
	switch s {
	case StatusPending, StatusVerified, StatusInProgress, StatusResolved:
		return true
	default:
		return false
	}
}

// AlertTypes is the closed set of incident types a driver can report.
var AlertTypes = map[string]bool{
	"Roadblock":    true,
	"Accident":     true,
	"Construction": true,
	"Other":        true,
}

type User struct {
	ID           string
	FullName     string
	Email        *string
	PatrolID     *string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Principal is the identity snapshot captured at login. Sessions carry this
// value, not a live join against the users table.
type Principal struct {
	ID       string `json:"id"`
	Role     Role   `json:"role"`
	Email    string `json:"email,omitempty"`
	PatrolID string `json:"patrolID,omitempty"`
	FullName string `json:"fullName,omitempty"`
}

type Session struct {
	Token     string    `json:"-"`
	Principal Principal `json:"principal"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// GeoPoint is a GeoJSON point. Coordinates are (longitude, latitude), in
// that order, per geospatial convention.
type GeoPoint struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

func NewGeoPoint(lng, lat float64) GeoPoint {
	return GeoPoint{Type: "Point", Coordinates: []float64{lng, lat}}
}

func (p GeoPoint) Longitude() float64 { return p.Coordinates[0] }
func (p GeoPoint) Latitude() float64  { return p.Coordinates[1] }

type Alert struct {
	ID                string
	Type              string
	Description       string
	Longitude         float64
	Latitude          float64
	ReportedBy        string
	Status            AlertStatus
	AssignedTo        *string
	VerifiedBy        *string
	RerouteSuggestion *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
