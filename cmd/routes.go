package main

import (
	"net/http"

	"github.com/gorilla/mux"
)

func (ac *appContext) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", ac.getHealth).Methods("GET")
	r.HandleFunc("/poolstats", ac.getConnectionPoolStats).Methods("GET")
	r.HandleFunc("/result", ac.getResult).Methods("GET")
	r.HandleFunc("/pghealth", ac.getReplicationStatus).Methods("GET")
	if ac.Metrics != nil {
		r.Handle("/metrics", ac.Metrics.Handler()).Methods("GET")
	}
	return r
}

func (ac *appContext) getHealth(w http.ResponseWriter, _ *http.Request) {
	err := ac.writeJSON(w, http.StatusOK, envelope{"status": "ok"}, nil)
	if err != nil {
		ac.logError(err)
	}
}

func (ac *appContext) getConnectionPoolStats(w http.ResponseWriter, _ *http.Request) {
	stats := ac.Runner.PoolStats()
	payload := envelope{"connectionPoolStats": stats}
	err := ac.writeJSON(w, http.StatusOK, payload, nil)
	if err != nil {
		ac.logError(err)
	}
	ac.logJson(payload)
}

func (ac *appContext) getResult(w http.ResponseWriter, _ *http.Request) {
	result := ac.Runner.LastResult()
	if result == nil {
		ac.errorResponse(w, http.StatusNotFound, "No completed run yet")
		return
	}
	payload := envelope{"result": result, "passed": result.Passed()}
	err := ac.writeJSON(w, http.StatusOK, payload, nil)
	if err != nil {
		ac.logError(err)
	}
}

func (ac *appContext) getReplicationStatus(w http.ResponseWriter, r *http.Request) {
	if ac.Store == nil {
		ac.errorResponse(w, http.StatusNotFound, "Replica status needs a postgres driver")
		return
	}
	status, err := ac.Store.GetReplicaStatus(r.Context())
	if err != nil {
		ac.logError(err)
		ac.errorResponse(w, http.StatusInternalServerError, "Failed to Query PG")
		return
	}
	payload := envelope{"replicaStatusList": status}
	err = ac.writeJSON(w, http.StatusOK, payload, nil)
	if err != nil {
		ac.logError(err)
	}
	ac.logJson(payload)
}
