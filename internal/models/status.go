package models

type TripStatus string

const (
	StatusBidding         TripStatus = "BIDDING"
	StatusMatched         TripStatus = "MATCHED"
	StatusDriverEnRoute   TripStatus = "DRIVER_EN_ROUTE"
	StatusOtpPending      TripStatus = "OTP_PENDING"
	StatusInProgress      TripStatus = "IN_PROGRESS"
	StatusCompleted       TripStatus = "COMPLETED"
	StatusCancelledByPass TripStatus = "CANCELLED_BY_PASSENGER"
	StatusCancelledByDrv  TripStatus = "CANCELLED_BY_DRIVER"
	StatusExpiredNoDriver TripStatus = "EXPIRED_NO_DRIVER"
)

// AllowedTransitions is the trip lifecycle as code. Terminal statuses have no entry.
var AllowedTransitions = map[TripStatus][]TripStatus{
	StatusBidding:       {StatusMatched, StatusExpiredNoDriver, StatusCancelledByPass},
	StatusMatched:       {StatusDriverEnRoute, StatusCancelledByPass, StatusCancelledByDrv},
	StatusDriverEnRoute: {StatusOtpPending, StatusCancelledByPass, StatusCancelledByDrv},
	StatusOtpPending:    {StatusInProgress, StatusCancelledByPass, StatusCancelledByDrv},
	StatusInProgress:    {StatusCompleted, StatusCancelledByPass, StatusCancelledByDrv},
}

func CanTransition(from, to TripStatus) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

func (s TripStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelledByPass, StatusCancelledByDrv, StatusExpiredNoDriver:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s TripStatus) Valid() bool {
	if s.IsTerminal() {
		return true
	}
	_, ok := AllowedTransitions[s]
	return ok
}
