package platform

// CPUPercent estimates the process CPU usage as a percentage. Returns
// zero when the OS probe is unavailable.
func (p *Platform) CPUPercent() float64 {
	if p.proc == nil {
		return 0
	}
	pct, err := p.proc.CPUPercent()
	if err != nil {
		return 0
	}
	return pct
}
