package erp

// Business endpoints of the customer module.
const (
	DefaultCustomerListPath = "/webapi/v3/sales/customer/list"
	DefaultCustomerSavePath = "/webapi/v3/sales/customer/save"
)

// List endpoints of the other business modules. They share the customer
// list's paging protocol and can be read with List.
const (
	DefaultContractListPath = "/webapi/v3/sales/contract/list"
	DefaultOrderListPath    = "/webapi/v3/sales/order/list"
	DefaultProductListPath  = "/webapi/v3/store/product/list"
)
