package domain

// TransferRecord is one row of the transfer daemon's download list, read-only
// for the duration of a cycle. State is the daemon's free-text vocabulary,
// e.g. "InProgress" or "Completed, Succeeded".
type TransferRecord struct {
	ID               string
	Username         string
	Filename         string
	State            string
	PercentComplete  float64
	AverageSpeed     float64
	Size             int64
	BytesTransferred int64
}

// EnqueueFile names one file to request from a peer.
type EnqueueFile struct {
	Filename string
	Size     int64
}
