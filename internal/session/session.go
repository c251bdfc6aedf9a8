package session

import "fmt"

// Status is the lifecycle state of an intake session.
type Status string

const (
	StatusFilling   Status = "filling"
	StatusInactive  Status = "inactive"
	StatusSubmitted Status = "submitted"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusFilling, StatusInactive, StatusSubmitted:
		return true
	}
	return false
}

// ParseStatus converts a wire string to a Status. The empty string is
// rejected; callers that treat "" as "unchanged" must check for it first.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown session status %q", v)
	}
	return s, nil
}

// Intake form field names.
const (
	FieldFirstName                    = "firstName"
	FieldMiddleName                   = "middleName"
	FieldLastName                     = "lastName"
	FieldDateOfBirth                  = "dateOfBirth"
	FieldGender                       = "gender"
	FieldPhone                        = "phone"
	FieldEmail                        = "email"
	FieldNationality                  = "nationality"
	FieldReligion                     = "religion"
	FieldAddress                      = "address"
	FieldPreferredLanguage            = "preferredLanguage"
	FieldEmergencyContactName         = "emergencyContactName"
	FieldEmergencyContactRelationship = "emergencyContactRelationship"
)

// PatientFields lists every intake field in form order.
var PatientFields = []string{
	FieldFirstName,
	FieldMiddleName,
	FieldLastName,
	FieldDateOfBirth,
	FieldGender,
	FieldPhone,
	FieldEmail,
	FieldNationality,
	FieldReligion,
	FieldAddress,
	FieldPreferredLanguage,
	FieldEmergencyContactName,
	FieldEmergencyContactRelationship,
}

// EmptyPatientData returns a data map with every intake field present and blank.
func EmptyPatientData() map[string]string {
	data := make(map[string]string, len(PatientFields))
	for _, f := range PatientFields {
		data[f] = ""
	}
	return data
}

// Session is one patient's intake record plus its lifecycle status.
// Timestamps are unix milliseconds.
type Session struct {
	ID                string            `json:"id"`
	Status            Status            `json:"status"`
	Data              map[string]string `json:"data"`
	CreatedAt         int64             `json:"createdAt"`
	LastUpdate        int64             `json:"lastUpdate"`
	OwnerConnectionID string            `json:"ownerConnectionId,omitempty"`
	Seq               uint64            `json:"seq,omitempty"`
}

// Clone returns a deep copy of s.
func (s Session) Clone() Session {
	c := s
	if s.Data != nil {
		c.Data = make(map[string]string, len(s.Data))
		for k, v := range s.Data {
			c.Data[k] = v
		}
	}
	return c
}

// Submitted reports whether the session has reached its terminal status.
func (s Session) Submitted() bool {
	return s.Status == StatusSubmitted
}

// MergeData overlays partial onto the session data. Keys absent from partial
// keep their value; present keys overwrite, including empty strings.
func (s *Session) MergeData(partial map[string]string) {
	if s.Data == nil {
		s.Data = make(map[string]string, len(partial))
	}
	for k, v := range partial {
		s.Data[k] = v
	}
}
