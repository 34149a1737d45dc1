package transfer

// Wire shapes of GET /api/v0/transfers/downloads.

type userTransfers struct {
	Username    string              `json:"username"`
	Directories []directoryTransfer `json:"directories"`
}

type directoryTransfer struct {
	Directory string         `json:"directory"`
	Files     []fileTransfer `json:"files"`
}

type fileTransfer struct {
	ID               string  `json:"id"`
	Username         string  `json:"username"`
	Direction        string  `json:"direction"`
	Filename         string  `json:"filename"`
	Size             int64   `json:"size"`
	State            string  `json:"state"`
	BytesTransferred int64   `json:"bytesTransferred"`
	AverageSpeed     float64 `json:"averageSpeed"`
	PercentComplete  float64 `json:"percentComplete"`
}

type enqueueRequest struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}
