// Package api holds the InventoryService wire types. They are maintained by
// hand against inventory.proto; the proto struct tags carry the field numbers
// so the standard gRPC proto codec can marshal them.
package api

import "fmt"

// ReserveStatus mirrors the ReserveStatus enum in inventory.proto. The
// numeric values are part of the wire contract and must not be renumbered.
type ReserveStatus int32

const (
	ReserveStatus_UNKNOWN            ReserveStatus = 0
	ReserveStatus_CONFIRMED          ReserveStatus = 1
	ReserveStatus_INSUFFICIENT_STOCK ReserveStatus = 2
	ReserveStatus_PRODUCT_NOT_FOUND  ReserveStatus = 3
	ReserveStatus_ALREADY_EXISTS     ReserveStatus = 4
)

var reserveStatusName = map[ReserveStatus]string{
	ReserveStatus_UNKNOWN:            "UNKNOWN",
	ReserveStatus_CONFIRMED:          "CONFIRMED",
	ReserveStatus_INSUFFICIENT_STOCK: "INSUFFICIENT_STOCK",
	ReserveStatus_PRODUCT_NOT_FOUND:  "PRODUCT_NOT_FOUND",
	ReserveStatus_ALREADY_EXISTS:     "ALREADY_EXISTS",
}

func (s ReserveStatus) String() string {
	if name, ok := reserveStatusName[s]; ok {
		return name
	}
	return fmt.Sprintf("ReserveStatus(%d)", int32(s))
}

type ReserveStockRequest struct {
	OrderID        string `protobuf:"bytes,1,opt,name=order_id,json=orderId,proto3" json:"order_id,omitempty"`
	ProductID      string `protobuf:"bytes,2,opt,name=product_id,json=productId,proto3" json:"product_id,omitempty"`
	Quantity       int32  `protobuf:"varint,3,opt,name=quantity,proto3" json:"quantity,omitempty"`
	IdempotencyKey string `protobuf:"bytes,4,opt,name=idempotency_key,json=idempotencyKey,proto3" json:"idempotency_key,omitempty"`
}

func (x *ReserveStockRequest) Reset()         { *x = ReserveStockRequest{} }
func (x *ReserveStockRequest) String() string { return fmt.Sprintf("%+v", *x) }
func (*ReserveStockRequest) ProtoMessage()    {}

type ReserveStockResponse struct {
	Success        bool          `protobuf:"varint,1,opt,name=success,proto3" json:"success,omitempty"`
	Status         ReserveStatus `protobuf:"varint,2,opt,name=status,proto3,enum=inventory.v1.ReserveStatus" json:"status,omitempty"`
	ReservationID  string        `protobuf:"bytes,3,opt,name=reservation_id,json=reservationId,proto3" json:"reservation_id,omitempty"`
	RemainingStock int32         `protobuf:"varint,4,opt,name=remaining_stock,json=remainingStock,proto3" json:"remaining_stock,omitempty"`
	Message        string        `protobuf:"bytes,5,opt,name=message,proto3" json:"message,omitempty"`
}

func (x *ReserveStockResponse) Reset()         { *x = ReserveStockResponse{} }
func (x *ReserveStockResponse) String() string { return fmt.Sprintf("%+v", *x) }
func (*ReserveStockResponse) ProtoMessage()    {}

type ReleaseStockRequest struct {
	OrderID       string `protobuf:"bytes,1,opt,name=order_id,json=orderId,proto3" json:"order_id,omitempty"`
	ReservationID string `protobuf:"bytes,2,opt,name=reservation_id,json=reservationId,proto3" json:"reservation_id,omitempty"`
	Reason        string `protobuf:"bytes,3,opt,name=reason,proto3" json:"reason,omitempty"`
}

func (x *ReleaseStockRequest) Reset()         { *x = ReleaseStockRequest{} }
func (x *ReleaseStockRequest) String() string { return fmt.Sprintf("%+v", *x) }
func (*ReleaseStockRequest) ProtoMessage()    {}

type ReleaseStockResponse struct {
	Success bool   `protobuf:"varint,1,opt,name=success,proto3" json:"success,omitempty"`
	Message string `protobuf:"bytes,2,opt,name=message,proto3" json:"message,omitempty"`
}

func (x *ReleaseStockResponse) Reset()         { *x = ReleaseStockResponse{} }
func (x *ReleaseStockResponse) String() string { return fmt.Sprintf("%+v", *x) }
func (*ReleaseStockResponse) ProtoMessage()    {}

type CheckStockRequest struct {
	ProductID string `protobuf:"bytes,1,opt,name=product_id,json=productId,proto3" json:"product_id,omitempty"`
}

func (x *CheckStockRequest) Reset()         { *x = CheckStockRequest{} }
func (x *CheckStockRequest) String() string { return fmt.Sprintf("%+v", *x) }
func (*CheckStockRequest) ProtoMessage()    {}

type CheckStockResponse struct {
	ProductID         string `protobuf:"bytes,1,opt,name=product_id,json=productId,proto3" json:"product_id,omitempty"`
	Name              string `protobuf:"bytes,2,opt,name=name,proto3" json:"name,omitempty"`
	Stock             int32  `protobuf:"varint,3,opt,name=stock,proto3" json:"stock,omitempty"`
	LowStockThreshold int32  `protobuf:"varint,4,opt,name=low_stock_threshold,json=lowStockThreshold,proto3" json:"low_stock_threshold,omitempty"`
	Found             bool   `protobuf:"varint,5,opt,name=found,proto3" json:"found,omitempty"`
}

func (x *CheckStockResponse) Reset()         { *x = CheckStockResponse{} }
func (x *CheckStockResponse) String() string { return fmt.Sprintf("%+v", *x) }
func (*CheckStockResponse) ProtoMessage()    {}

type ListProductsRequest struct{}

func (x *ListProductsRequest) Reset()         { *x = ListProductsRequest{} }
func (x *ListProductsRequest) String() string { return "" }
func (*ListProductsRequest) ProtoMessage()    {}

type ProductInfo struct {
	ProductID         string `protobuf:"bytes,1,opt,name=product_id,json=productId,proto3" json:"product_id,omitempty"`
	Name              string `protobuf:"bytes,2,opt,name=name,proto3" json:"name,omitempty"`
	Stock             int32  `protobuf:"varint,3,opt,name=stock,proto3" json:"stock,omitempty"`
	LowStockThreshold int32  `protobuf:"varint,4,opt,name=low_stock_threshold,json=lowStockThreshold,proto3" json:"low_stock_threshold,omitempty"`
}

func (x *ProductInfo) Reset()         { *x = ProductInfo{} }
func (x *ProductInfo) String() string { return fmt.Sprintf("%+v", *x) }
func (*ProductInfo) ProtoMessage()    {}

type ListProductsResponse struct {
	Products []*ProductInfo `protobuf:"bytes,1,rep,name=products,proto3" json:"products,omitempty"`
}

func (x *ListProductsResponse) Reset()         { *x = ListProductsResponse{} }
func (x *ListProductsResponse) String() string { return fmt.Sprintf("%+v", *x) }
func (*ListProductsResponse) ProtoMessage()    {}

type HealthCheckRequest struct{}

func (x *HealthCheckRequest) Reset()         { *x = HealthCheckRequest{} }
func (x *HealthCheckRequest) String() string { return "" }
func (*HealthCheckRequest) ProtoMessage()    {}

type HealthCheckResponse struct {
	Healthy bool   `protobuf:"varint,1,opt,name=healthy,proto3" json:"healthy,omitempty"`
	Message string `protobuf:"bytes,2,opt,name=message,proto3" json:"message,omitempty"`
}

func (x *HealthCheckResponse) Reset()         { *x = HealthCheckResponse{} }
func (x *HealthCheckResponse) String() string { return fmt.Sprintf("%+v", *x) }
func (*HealthCheckResponse) ProtoMessage()    {}
