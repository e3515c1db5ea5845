package scope

import (
	"fmt"
	"strings"
	"time"
)

// Scope is the partition key rankings and metrics are computed over.
// Empty fields widen the scope: a zero Scope is the global leaderboard,
// CompanyID alone is an all-time company board, CompanyID+Month is the
// usual monthly company board.
type Scope struct {
	CompanyID string
	Month     string // "2006-01", engine-local timezone
}

func Global() Scope {
	return Scope{}
}

func ForCompany(companyID string) Scope {
	return Scope{CompanyID: companyID}
}

func ForCompanyMonth(companyID string, t time.Time, loc *time.Location) Scope {
	return Scope{CompanyID: companyID, Month: t.In(loc).Format("2006-01")}
}

// Key returns the canonical string form used for snapshot rows, redis keys
// and singleflight grouping.
func (s Scope) Key() string {
	switch {
	case s.CompanyID == "" && s.Month == "":
		return "global"
	case s.Month == "":
		return fmt.Sprintf("company:%s", s.CompanyID)
	case s.CompanyID == "":
		return fmt.Sprintf("month:%s", s.Month)
	default:
		return fmt.Sprintf("company:%s:month:%s", s.CompanyID, s.Month)
	}
}

func (s Scope) IsGlobal() bool {
	return s.CompanyID == "" && s.Month == ""
}

// Parse is the inverse of Key. Unknown forms come back as an error so a
// mistyped dashboard query never silently resolves to the global scope.
func Parse(key string) (Scope, error) {
	if key == "global" {
		return Scope{}, nil
	}

	parts := strings.Split(key, ":")
	switch {
	case len(parts) == 2 && parts[0] == "company":
		return Scope{CompanyID: parts[1]}, nil
	case len(parts) == 2 && parts[0] == "month":
		return Scope{Month: parts[1]}, nil
	case len(parts) == 4 && parts[0] == "company" && parts[2] == "month":
		return Scope{CompanyID: parts[1], Month: parts[3]}, nil
	default:
		return Scope{}, fmt.Errorf("invalid scope key: %q", key)
	}
}
