package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Стандартные ключи атрибутов
const (
	// Диспетчеризация
	AttrOrderID    = "dispatch.order_id"
	AttrVendorID   = "dispatch.vendor_id"
	AttrDriverID   = "dispatch.driver_id"
	AttrMatchScore = "dispatch.match_score"
	AttrCandidates = "dispatch.candidates"
	AttrRadius     = "dispatch.radius_miles"

	// Spatial index
	AttrSpatialCells   = "spatial.cells"
	AttrSpatialDrivers = "spatial.drivers"

	// Circuit breaker
	AttrBreakerKey   = "breaker.key"
	AttrBreakerState = "breaker.state"

	// Threat meter
	AttrThreatSubject = "threat.subject"
	AttrThreatScore   = "threat.score"
)

// DispatchAttributes возвращает атрибуты операции dispatch
func DispatchAttributes(orderID, vendorID string, radiusMiles float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrOrderID, orderID),
		attribute.String(AttrVendorID, vendorID),
		attribute.Float64(AttrRadius, radiusMiles),
	}
}

// MatchAttributes возвращает атрибуты выбранного водителя
func MatchAttributes(driverID string, score float64, candidates int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrDriverID, driverID),
		attribute.Float64(AttrMatchScore, score),
		attribute.Int(AttrCandidates, candidates),
	}
}

// ThreatAttributes возвращает атрибуты threat-скоринга
func ThreatAttributes(subject string, score float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrThreatSubject, subject),
		attribute.Float64(AttrThreatScore, score),
	}
}
