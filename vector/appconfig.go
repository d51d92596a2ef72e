package vector

import (
	"fmt"
	"time"

	"github.com/LoveWonYoung/vxlcan/driver"
)

// 以下函数要求驱动已经打开 (xlOpenDriver)

// GetApplicationConfig 读取 "应用名 + 应用通道" 在 Vector Hardware Config 中分配的硬件通道
func GetApplicationConfig(drv driver.Driver, appName string, appChannel int) (driver.HardwareType, uint32, uint32, error) {
	if appChannel < 0 {
		return 0, 0, 0, ConfigurationError{Field: "app_channel", Msg: fmt.Sprintf("%d is negative", appChannel)}
	}
	hwType, hwIndex, hwChannel, st := drv.GetApplConfig(appName, uint32(appChannel), driver.XL_BUS_TYPE_CAN)
	if st != driver.XL_SUCCESS {
		return 0, 0, 0, InitializationError{NewVectorError(st,
			fmt.Sprintf("Vector HW Config: Channel '%d' of application '%s' is not assigned to any interface", appChannel, appName),
			"xlGetApplConfig")}
	}
	return hwType, hwIndex, hwChannel, nil
}

// SetApplicationConfig 修改应用通道的硬件分配，立即对所有使用该应用名的程序生效
func SetApplicationConfig(drv driver.Driver, appName string, appChannel int, hwType driver.HardwareType, hwIndex, hwChannel uint32) error {
	if appChannel < 0 {
		return ConfigurationError{Field: "app_channel", Msg: fmt.Sprintf("%d is negative", appChannel)}
	}
	st := drv.SetApplConfig(appName, uint32(appChannel), hwType, hwIndex, hwChannel, driver.XL_BUS_TYPE_CAN)
	if st != driver.XL_SUCCESS {
		return statusError(drv, st, "xlSetApplConfig", KindInitialization)
	}
	return nil
}

// PopupHwConfig 打开 Vector Hardware Config 窗口，wait 为 0 时立即返回
func PopupHwConfig(drv driver.Driver, wait time.Duration) error {
	if st := drv.PopupHwConfig(uint32(wait.Milliseconds())); st != driver.XL_SUCCESS {
		return statusError(drv, st, "xlPopupHwConfig", KindOperation)
	}
	return nil
}
