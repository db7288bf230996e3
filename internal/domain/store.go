package domain

// Tenant is one store account: the unit of isolation, rate limiting and
// free-tier accounting.
type Tenant struct {
	Name        string
	APIEndpoint string
	APIToken    string
	FreePlan    bool
}

// CounterDeltas is one atomic increment of a job's telemetry counters.
type CounterDeltas struct {
	OK            int64
	Failed        int64
	PublishOK     int64
	PublishFailed int64
	Attempts      int64
	RetryWaitMs   int64
}

// Reservation is the outcome of one free-tier usage debit.
type Reservation struct {
	OK        bool
	Used      int
	Remaining int
}

// JobFilter narrows and pages a tenant's job listing.
type JobFilter struct {
	Status Status
	Phase  Phase
	Type   JobType
	Query  string // free-text match against the job id
	Cursor string
	Limit  int
}
