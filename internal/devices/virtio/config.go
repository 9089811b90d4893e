package virtio

// readConfigWindow serves a read from a device config space backed by a byte
// slice. Reads past the end return zeros.
func readConfigWindow(config []byte, offset uint64, data []byte) error {
	for i := range data {
		pos := offset + uint64(i)
		if pos < uint64(len(config)) {
			data[i] = config[pos]
		} else {
			data[i] = 0
		}
	}
	return nil
}

// writeConfigNoop ignores config writes, for devices with read-only config.
func writeConfigNoop(offset uint64, data []byte) error {
	return nil
}
