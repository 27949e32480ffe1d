package vision

// Model names served by the inference service.
const (
	ModelBlur     = "blur"
	ModelEyes     = "eyes"
	ModelFeatures = "features"
	ModelFace     = "face"
)

// Registry holds one client per model. Built once per worker process at
// startup; the service keeps the models resident, so clients are cheap
// and immutable.
type Registry struct {
	clients map[string]*Client
}

// NewRegistry builds clients for every known model against one base URL.
func NewRegistry(baseURL string) *Registry {
	clients := make(map[string]*Client)
	for _, name := range []string{ModelBlur, ModelEyes, ModelFeatures, ModelFace} {
		clients[name] = NewClient(baseURL)
	}
	return &Registry{clients: clients}
}

// Get returns the client for a model name, nil if unknown.
func (r *Registry) Get(name string) *Client {
	return r.clients[name]
}

// Blur returns the blur classifier client.
func (r *Registry) Blur() *Client { return r.clients[ModelBlur] }

// Eyes returns the eye-state classifier client.
func (r *Registry) Eyes() *Client { return r.clients[ModelEyes] }

// Features returns the feature extractor client.
func (r *Registry) Features() *Client { return r.clients[ModelFeatures] }

// Face returns the face detector and embedder client.
func (r *Registry) Face() *Client { return r.clients[ModelFace] }
