// Package status exposes the sync-status singleton to the query layer.
package status

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/goodnatureofminers/pivxinsight-backend/internal/model"
	"github.com/goodnatureofminers/pivxinsight-backend/internal/store"
)

// Reporter assembles the status singleton from chain_state plus the
// in-memory health the services report.
type Reporter struct {
	kv     store.KV
	logger *zap.Logger

	mu        sync.RWMutex
	health    model.SyncHealth
	lastError string
}

// NewReporter builds a Reporter; health starts healthy.
func NewReporter(kv store.KV, logger *zap.Logger) *Reporter {
	return &Reporter{
		kv:     kv,
		logger: logger.Named("status"),
		health: model.HealthHealthy,
	}
}

// SetHealth records the sync health and its triggering error, if any.
func (r *Reporter) SetHealth(health model.SyncHealth, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.health = health
	if cause != nil {
		r.lastError = cause.Error()
	} else {
		r.lastError = ""
	}
}

// Status reads the current singleton from a store snapshot.
func (r *Reporter) Status() (model.Status, error) {
	snap, err := r.kv.Snapshot()
	if err != nil {
		return model.Status{}, err
	}
	defer snap.Release()

	s := model.Status{SyncHeight: -1, NetworkHeight: -1}

	if buf, err := snap.Get(store.CFChainState, store.KeySyncHeight); err != nil {
		return s, err
	} else if buf != nil {
		if s.SyncHeight, err = store.DecodeHeight(buf); err != nil {
			return s, err
		}
	}
	if buf, err := snap.Get(store.CFChainState, store.KeyNetworkHeight); err != nil {
		return s, err
	} else if buf != nil {
		if s.NetworkHeight, err = store.DecodeHeight(buf); err != nil {
			return s, err
		}
	}
	if buf, err := snap.Get(store.CFChainState, store.KeyTipHash); err != nil {
		return s, err
	} else if len(buf) == chainhash.HashSize {
		var hash chainhash.Hash
		copy(hash[:], buf)
		s.TipHash = hash.String()
	}
	if buf, err := snap.Get(store.CFChainState, store.KeyAddrIndexReady); err != nil {
		return s, err
	} else {
		s.AddrIndexReady = len(buf) == 1 && buf[0] == 1
	}

	if s.NetworkHeight > 0 && s.SyncHeight >= 0 {
		s.SyncPercentage = 100 * float64(s.SyncHeight) / float64(s.NetworkHeight)
		if s.SyncPercentage > 100 {
			s.SyncPercentage = 100
		}
	}
	// Within two blocks of the node counts as synced.
	s.Synced = s.NetworkHeight >= 0 && s.SyncHeight >= s.NetworkHeight-2

	r.mu.RLock()
	s.Health = r.health
	s.LastError = r.lastError
	r.mu.RUnlock()
	return s, nil
}

// Handler serves the singleton as JSON with CORS for explorer frontends.
func (r *Reporter) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		s, err := r.Status()
		if err != nil {
			r.logger.Error("status read failed", zap.Error(err))
			http.Error(w, "status unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s); err != nil {
			r.logger.Warn("status encode failed", zap.Error(err))
		}
	})
	return cors.Default().Handler(mux)
}
