/*
Copyright 2024 Google LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    https://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package httpfile is the auxiliary static file server named as an
// out-of-scope collaborator in spec.md §1: a thin HTTP GET handler
// that resolves requests through the same path sanitiser the TFTP
// engine uses, so the same boot artifacts can be fetched over HTTP
// (some PXE ROMs and iPXE chains prefer it to TFTP for large payloads).
package httpfile

import (
	"net/http"
	"os"

	"github.com/aojea/pxeboot/pkg/pathsan"
	"k8s.io/klog/v2"
)

// Handler serves files rooted at Root through pathsan.Sanitize.
type Handler struct {
	Root string
}

func (h Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	path, err := pathsan.Sanitize(h.Root, r.URL.Path)
	if err != nil {
		klog.V(2).Infof("httpfile: rejecting %q: %v", r.URL.Path, err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil || fi.IsDir() {
		http.NotFound(w, r)
		return
	}

	http.ServeContent(w, r, fi.Name(), fi.ModTime(), f)
}
