// internal/discovery/usb/database.go - USB vendor database
package usb

// DeviceDatabase contains known USB-serial vendors for identification
type DeviceDatabase struct {
	vendors map[uint16]*VendorInfo
}

// VendorInfo contains vendor-specific information
type VendorInfo struct {
	Name     string
	products map[uint16]*ProductInfo
}

// ProductInfo contains product-specific information
type ProductInfo struct {
	Model  string
	Bridge string // CDC-ACM, FTDI, CP210x...
}

// NewDeviceDatabase creates and initializes the device database
func NewDeviceDatabase() *DeviceDatabase {
	db := &DeviceDatabase{
		vendors: make(map[uint16]*VendorInfo),
	}
	db.initializeDatabase()
	return db
}

// initializeDatabase populates the known devices database
func (db *DeviceDatabase) initializeDatabase() {
	// STMicroelectronics (0x0483 = 1155)
	st := db.AddVendor(0x0483, "STMicroelectronics")
	st.products[0x5740] = &ProductInfo{Model: "Virtual COM Port", Bridge: "CDC-ACM"}
	st.products[0x374B] = &ProductInfo{Model: "ST-LINK/V2.1", Bridge: "CDC-ACM"}
	st.products[0x3748] = &ProductInfo{Model: "ST-LINK/V2", Bridge: "CDC-ACM"}
	st.products[0xDF11] = &ProductInfo{Model: "DFU Bootloader", Bridge: "DFU"}

	// FTDI (0x0403)
	ftdi := db.AddVendor(0x0403, "Future Technology Devices International")
	ftdi.products[0x6001] = &ProductInfo{Model: "FT232R", Bridge: "FTDI"}
	ftdi.products[0x6010] = &ProductInfo{Model: "FT2232", Bridge: "FTDI"}
	ftdi.products[0x6015] = &ProductInfo{Model: "FT-X", Bridge: "FTDI"}

	// Silicon Labs (0x10C4)
	silabs := db.AddVendor(0x10C4, "Silicon Labs")
	silabs.products[0xEA60] = &ProductInfo{Model: "CP210x", Bridge: "CP210x"}

	// WCH (0x1A86)
	wch := db.AddVendor(0x1A86, "QinHeng Electronics")
	wch.products[0x7523] = &ProductInfo{Model: "CH340", Bridge: "CH34x"}
	wch.products[0x55D4] = &ProductInfo{Model: "CH9102", Bridge: "CDC-ACM"}

	// Prolific (0x067B)
	prolific := db.AddVendor(0x067B, "Prolific Technology")
	prolific.products[0x2303] = &ProductInfo{Model: "PL2303", Bridge: "PL2303"}

	// Arduino (0x2341) and Raspberry Pi (0x2E8A)
	arduino := db.AddVendor(0x2341, "Arduino SA")
	arduino.products[0x0043] = &ProductInfo{Model: "Uno R3", Bridge: "CDC-ACM"}
	rpi := db.AddVendor(0x2E8A, "Raspberry Pi")
	rpi.products[0x000A] = &ProductInfo{Model: "Pico SDK CDC", Bridge: "CDC-ACM"}
}

// AddVendor adds a vendor to the database and returns it
func (db *DeviceDatabase) AddVendor(vendorID uint16, name string) *VendorInfo {
	info := &VendorInfo{
		Name:     name,
		products: make(map[uint16]*ProductInfo),
	}
	db.vendors[vendorID] = info
	return info
}

// IsKnownVendor checks if a vendor ID is in the database
func (db *DeviceDatabase) IsKnownVendor(vendorID uint16) bool {
	_, exists := db.vendors[vendorID]
	return exists
}

// GetVendorInfo retrieves vendor information
func (db *DeviceDatabase) GetVendorInfo(vendorID uint16) *VendorInfo {
	return db.vendors[vendorID]
}

// GetProductInfo retrieves product information from vendor
func (vi *VendorInfo) GetProductInfo(productID uint16) *ProductInfo {
	return vi.products[productID]
}

// Describe returns vendor and product names, empty when unknown
func (db *DeviceDatabase) Describe(vendorID, productID uint16) (vendor, product string) {
	info := db.GetVendorInfo(vendorID)
	if info == nil {
		return "", ""
	}
	if p := info.GetProductInfo(productID); p != nil {
		return info.Name, p.Model
	}
	return info.Name, ""
}
