// kernel_embed_linux.go — embedded BPF object variant.
//
// Compiled when the "bpf_embedded" build tag is set, which requires the
// pre-compiled process.bpf.o to exist in this directory:
//
//	make -C internal/ingest    # compile process.bpf.c → process.bpf.o
//	go build -tags bpf_embedded ./...
//
//go:build linux && bpf_embedded

package ingest

import _ "embed"

//go:embed process.bpf.o
var _embeddedBPFObject []byte

func init() {
	bpfObjectBytes = _embeddedBPFObject
}
