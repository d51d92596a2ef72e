package vector

import (
	"fmt"
	"iter"
	"math/bits"
	"slices"
	"strconv"
	"strings"

	"github.com/LoveWonYoung/vxlcan/driver"
)

// IterateChannelIndices 按从低到高的顺序产生 mask 中置位的位置，
// 例如 0x23 -> 0, 1, 5。返回的序列可以重复遍历。
func IterateChannelIndices(mask uint64) iter.Seq[int] {
	return func(yield func(int) bool) {
		m := mask
		for m != 0 {
			if !yield(bits.TrailingZeros64(m)) {
				return
			}
			m &= m - 1
		}
	}
}

// ParseChannelList 解析 "0"、"0,1"、" 2 , 3 " 这样的通道列表
func ParseChannelList(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return nil, ConfigurationError{Field: "channel", Msg: fmt.Sprintf("%q is not a channel number", part)}
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, ConfigurationError{Field: "channel", Msg: "empty channel list"}
	}
	return out, nil
}

// Selector 描述调用方要打开哪些通道。
// Channels 和 Mask 二选一；ChannelIndex 只能与单个通道一起使用。
type Selector struct {
	Channels     []int
	ChannelIndex *int
	Mask         uint64
	Serial       *uint32
	AppName      string
}

// SelectedChannel 是一个逻辑通道与其全局通道索引的对应
type SelectedChannel struct {
	Channel int
	Index   int
	Mask    uint64
}

// ChannelSelection 是解析后的通道集合，按通道索引升序排列
type ChannelSelection struct {
	Entries []SelectedChannel
	Mask    uint64
}

// ChannelForIndex 把驱动事件里的通道索引换算成逻辑通道号
func (s ChannelSelection) ChannelForIndex(index int) (int, bool) {
	for _, e := range s.Entries {
		if e.Index == index {
			return e.Channel, true
		}
	}
	return 0, false
}

// MaskForChannel 返回逻辑通道对应的掩码
func (s ChannelSelection) MaskForChannel(channel int) (uint64, bool) {
	for _, e := range s.Entries {
		if e.Channel == channel {
			return e.Mask, true
		}
	}
	return 0, false
}

func (s ChannelSelection) Channels() []int {
	out := make([]int, len(s.Entries))
	for i, e := range s.Entries {
		out[i] = e.Channel
	}
	return out
}

// Resolve 把 Selector 解析为 ChannelSelection。每个逻辑通道依次尝试：
// ChannelIndex 覆盖、按序列号查 reg、按应用名查驱动应用配置、直接作为位序号。
// reg 只在指定了 Serial 时使用，drv 只在指定了 AppName 时使用。
func Resolve(sel Selector, drv driver.Driver, reg *Registry) (ChannelSelection, error) {
	if sel.Mask != 0 && len(sel.Channels) > 0 {
		return ChannelSelection{}, ConfigurationError{Field: "channel", Msg: "channels and mask are mutually exclusive"}
	}
	var entries []SelectedChannel
	if sel.Mask != 0 {
		if sel.ChannelIndex != nil || sel.Serial != nil {
			return ChannelSelection{}, ConfigurationError{Field: "mask", Msg: "a raw mask cannot be combined with channel_index or serial"}
		}
		for idx := range IterateChannelIndices(sel.Mask) {
			entries = append(entries, SelectedChannel{Channel: idx, Index: idx, Mask: 1 << uint(idx)})
		}
		return ChannelSelection{Entries: entries, Mask: sel.Mask}, nil
	}

	channels := sel.Channels
	if len(channels) == 0 {
		if sel.ChannelIndex == nil {
			return ChannelSelection{}, ConfigurationError{Field: "channel", Msg: "no channel selected"}
		}
		channels = []int{*sel.ChannelIndex}
	}
	if sel.ChannelIndex != nil && len(channels) > 1 {
		return ChannelSelection{}, ConfigurationError{Field: "channel_index", Msg: "channel_index can only be used with a single channel"}
	}

	var mask uint64
	for _, ch := range channels {
		idx, err := resolveOne(sel, ch, drv, reg)
		if err != nil {
			return ChannelSelection{}, err
		}
		if idx < 0 || idx >= driver.XL_CONFIG_MAX_CHANNELS {
			return ChannelSelection{}, ConfigurationError{Field: "channel", Msg: fmt.Sprintf("channel index %d out of range 0..%d", idx, driver.XL_CONFIG_MAX_CHANNELS-1)}
		}
		bit := uint64(1) << uint(idx)
		if mask&bit != 0 {
			return ChannelSelection{}, ConfigurationError{Field: "channel", Msg: fmt.Sprintf("channel index %d selected twice", idx)}
		}
		mask |= bit
		entries = append(entries, SelectedChannel{Channel: ch, Index: idx, Mask: bit})
	}
	slices.SortFunc(entries, func(a, b SelectedChannel) int { return a.Index - b.Index })
	return ChannelSelection{Entries: entries, Mask: mask}, nil
}

func resolveOne(sel Selector, channel int, drv driver.Driver, reg *Registry) (int, error) {
	switch {
	case sel.ChannelIndex != nil:
		return *sel.ChannelIndex, nil
	case sel.Serial != nil:
		if reg == nil {
			return 0, LookupError{Msg: "serial lookup requires the channel table"}
		}
		c, err := reg.FindBySerialAndChannel(*sel.Serial, channel)
		if err != nil {
			return 0, err
		}
		return c.ChannelIndex, nil
	case sel.AppName != "":
		hwType, hwIndex, hwChannel, err := GetApplicationConfig(drv, sel.AppName, channel)
		if err != nil {
			return 0, err
		}
		idx := drv.GetChannelIndex(hwType, int(hwIndex), int(hwChannel))
		if idx < 0 {
			return 0, InitializationError{NewVectorError(driver.XL_ERR_HW_NOT_PRESENT,
				fmt.Sprintf("Vector HW Config: channel %d of application %q is assigned to %s (index %d, channel %d) which is not present",
					channel, sel.AppName, hwType, hwIndex, hwChannel),
				"xlGetChannelIndex")}
		}
		return idx, nil
	default:
		return channel, nil
	}
}
