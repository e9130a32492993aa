//go:build js && wasm

// Package main is the WebAssembly proof-of-work worker for browser clients.
//
// It exposes a PoWWorker global to Web Workers. Each worker searches its own
// nonce range with the faucet's parameters and posts found nonces back to
// the page, which batches them into shares.
//
// Example usage from a Web Worker:
//
//	const params = JSON.stringify(config.powParams);
//	const res = PoWWorker.search(params, session.preImage, start, 5000, 4);
//	// res = {nonces: [...], hashes: 5000, hashRate: 812, next: start + 20000}
//	PoWWorker.verify(params, session.preImage, res.nonces[0]); // true
package main

import (
	"sync"
	"syscall/js"
	"time"

	"powfaucet/faucet"
	"powfaucet/miner"
)

const version = "PoWWorker WASM v0.3.0"

// workerStats accumulates totals across search calls.
type workerStats struct {
	mu          sync.Mutex
	totalHashes uint64
	found       uint64
	hashRate    float64
	lastNonce   uint64
}

var stats workerStats

// hashers caches the hasher for each parameter set.
var (
	hashersMu sync.Mutex
	hashers   = map[string]miner.Hasher{}
)

func main() {
	js.Global().Set("PoWWorker", js.ValueOf(map[string]any{
		"search":   js.FuncOf(search),
		"verify":   js.FuncOf(verify),
		"getStats": js.FuncOf(getStats),
		"version":  js.FuncOf(func(js.Value, []js.Value) any { return version }),
	}))

	select {}
}

func errorResult(msg string) map[string]any {
	return map[string]any{"error": msg}
}

func parseParams(raw string) (faucet.PoWParams, miner.Hasher, error) {
	var params faucet.PoWParams
	if err := faucet.Unmarshal([]byte(raw), &params); err != nil {
		return params, nil, err
	}

	key := params.ParamsKey()
	hashersMu.Lock()
	defer hashersMu.Unlock()
	if h, ok := hashers[key]; ok {
		return params, h, nil
	}
	h, err := miner.NewHasher(params)
	if err != nil {
		return params, nil, err
	}
	hashers[key] = h
	return params, h, nil
}

// search(params, preimage, start, count, stride) hashes count nonces
// starting at start, stepping by stride (default 1).
func search(this js.Value, args []js.Value) any {
	if len(args) < 4 {
		return errorResult("required: params, preimage, start, count")
	}
	params, hasher, err := parseParams(args[0].String())
	if err != nil {
		return errorResult(err.Error())
	}
	preimage := []byte(args[1].String())
	nonce := uint64(args[2].Float())
	count := args[3].Int()
	stride := uint64(1)
	if len(args) > 4 && args[4].Int() > 0 {
		stride = uint64(args[4].Int())
	}

	var found []any
	startTime := time.Now()
	hashes := 0
	for ; hashes < count; hashes++ {
		hash, err := hasher.Hash(preimage, nonce)
		if err != nil {
			return errorResult(err.Error())
		}
		if miner.LeadingZeroBits(hash) >= params.Difficulty {
			found = append(found, float64(nonce))
		}
		nonce += stride
	}

	rate := 0.0
	if elapsed := time.Since(startTime).Seconds(); elapsed > 0 {
		rate = float64(hashes) / elapsed
	}

	stats.mu.Lock()
	stats.totalHashes += uint64(hashes)
	stats.found += uint64(len(found))
	stats.hashRate = rate
	stats.lastNonce = nonce
	stats.mu.Unlock()

	return map[string]any{
		"nonces":   found,
		"hashes":   hashes,
		"hashRate": rate,
		"next":     float64(nonce),
	}
}

// verify(params, preimage, nonce) reports whether nonce meets the
// difficulty.
func verify(this js.Value, args []js.Value) any {
	if len(args) < 3 {
		return false
	}
	params, _, err := parseParams(args[0].String())
	if err != nil {
		return false
	}
	ok, err := miner.Verify(params, args[1].String(), uint64(args[2].Float()))
	return err == nil && ok
}

func getStats(this js.Value, args []js.Value) any {
	stats.mu.Lock()
	defer stats.mu.Unlock()
	return map[string]any{
		"totalHashes": float64(stats.totalHashes),
		"found":       float64(stats.found),
		"hashRate":    stats.hashRate,
		"lastNonce":   float64(stats.lastNonce),
	}
}
