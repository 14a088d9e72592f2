package normalize

// Package normalize rewrites inbound realtime payloads with JavaScript before they are dispatched.
//
// Normalizers are JavaScript files loaded from a directory at startup.
// Each normalizer must define:
//   - An @event directive naming the event kind it handles, or * for every kind
//   - A normalize(payload, kind) function returning the rewritten payload
//
// Normalizers for a specific kind run after the * normalizers, in file name order.
//
// Example normalizer:
//
//	// @event new_service_request
//	function normalize(payload, kind) {
//	    if (payload.vehicle && typeof payload.vehicle === "object") {
//	        payload.vehicle_label = payload.vehicle.make + " " + payload.vehicle.model;
//	    }
//	    if (!payload.event_id && payload.request_id) {
//	        payload.event_id = utils.digest(kind + ":" + payload.request_id + ":" + payload.created_at);
//	    }
//	    return payload;
//	}
