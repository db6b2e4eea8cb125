package duneapi

type Config struct {
	APIKey string
	// URL is the API base, including the version prefix.
	URL string
	// Namespace is the Dune team or user the tables live under.
	Namespace string
}

type tableColumn struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

type createTableRequest struct {
	Namespace   string        `json:"namespace"`
	TableName   string        `json:"table_name"`
	Schema      []tableColumn `json:"schema"`
	Description string        `json:"description"`
	IsPrivate   bool          `json:"is_private"`
}

type insertResponse struct {
	RowsWritten int `json:"rows_written"`
}

type errorResponse struct {
	Error string `json:"error"`
}
