package testutil

import (
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
)

// Bucket is an in-memory object server speaking the GET/PUT/HEAD protocol of
// the HTTP blob backend. Object keys are the request path without the
// leading slash.
type Bucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	headers map[string]http.Header
}

// NewBucket creates an empty bucket.
func NewBucket() *Bucket {
	return &Bucket{objects: map[string][]byte{}, headers: map[string]http.Header{}}
}

// Put stores an object directly.
func (b *Bucket) Put(key string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = data
	b.headers[key] = http.Header{}
}

// Get returns a stored object.
func (b *Bucket) Get(key string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	return data, ok
}

// Header returns the request headers the object was uploaded with.
func (b *Bucket) Header(key string) http.Header {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.headers[key]
}

// Keys lists stored keys in order.
func (b *Bucket) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (b *Bucket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/")

	switch r.Method {
	case http.MethodGet:
		data, ok := b.Get(key)
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(data)
	case http.MethodPut:
		data, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		b.objects[key] = data
		b.headers[key] = r.Header.Clone()
		b.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	case http.MethodHead:
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
