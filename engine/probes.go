package engine

import (
	"fmt"
	"net/http"
)

// ServeHealthProbe exposes a liveness endpoint backed by the given check.
func ServeHealthProbe(check func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil && check() != nil {
			w.WriteHeader(500)
			return
		}
		w.WriteHeader(200)
	}
}

func CheckHealthProbe(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	return nil
}
