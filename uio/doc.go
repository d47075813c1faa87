// Package uio runs the ihda controller core from Linux userspace.
//
// The HDA function must be bound to uio_pci_generic:
//
//	echo 0000:00:1b.0 > /sys/bus/pci/drivers/snd_hda_intel/unbind
//	echo 8086 293e > /sys/bus/pci/drivers/uio_pci_generic/new_id
//
// Register access goes through the sysfs resource0 mapping, interrupts through
// /dev/uioN and DMA memory is locked anonymous memory whose physical address
// is looked up in /proc/self/pagemap. Reading physical addresses needs
// CAP_SYS_ADMIN, and buffers larger than a page need hugetlb pages to be
// physically contiguous.
package uio
