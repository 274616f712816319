package registry

import "time"

// User mirrors a row of the users table.
type User struct {
	UserID    int64
	Username  string
	FirstName string
	LastName  string
	CreatedAt time.Time
}

// TopAsset is one entry of the top-subscribed ranking.
type TopAsset struct {
	Ticker      string
	Name        string
	Subscribers int64
}

// Statistics aggregates registry counters for the admin surface.
type Statistics struct {
	TotalUsers             int64
	UsersWithSubscriptions int64
	TotalSubscriptions     int64
	UniqueAssets           int64
	TopAssets              []TopAsset
}
