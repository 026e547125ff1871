package docker

// Container is a minimal view of a running container as returned by the list
// call. Fields cover the data the reconciliation loop needs before it takes a
// full snapshot.
type Container struct {
	ID      string            `json:"Id"`
	Name    string            `json:"Name"`
	Image   string            `json:"Image"`
	ImageID string            `json:"ImageID"`
	Labels  map[string]string `json:"Labels"`
}
